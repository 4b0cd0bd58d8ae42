// Package memory implements an in-process data source over copy-on-write
// tables. It evaluates the same predicate groups the SQL store renders.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/entity"
)

// ErrClosed is returned by a store after Close
var ErrClosed = errors.New("memory store closed")

type table struct {
	rows  []datasource.Row
	index map[string]int
}

func (t *table) clone() *table {
	out := &table{
		rows:  append(make([]datasource.Row, 0, len(t.rows)), t.rows...),
		index: make(map[string]int, len(t.index)),
	}
	for k, v := range t.index {
		out.index[k] = v
	}
	return out
}

// Store is a DataSource holding rows in memory. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]*table
	fetches []datasource.FetchRequest
	writes  int
	closed  bool
}

// New creates an empty store
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// Fetch returns copies of the matching rows
func (s *Store) Fetch(ctx context.Context, req datasource.FetchRequest) ([]datasource.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.fetches = append(s.fetches, req)
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[req.Table]
	if !ok {
		return []datasource.Row{}, nil
	}
	m := &matcher{tables: s.tables}

	matched := make([]datasource.Row, 0)
	for _, row := range t.rows {
		ok, err := m.match(req.Where, row)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.Entity, err)
		}
		if ok {
			matched = append(matched, row)
		}
	}

	if len(req.OrderBy) > 0 {
		var sortErr error
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range req.OrderBy {
				c, err := compareNullable(matched[i][o.Column], matched[j][o.Column])
				if err != nil {
					sortErr = err
					return false
				}
				if c != 0 {
					return (c < 0) != o.Desc
				}
			}
			return false
		})
		if sortErr != nil {
			return nil, fmt.Errorf("%s: order by: %w", req.Entity, sortErr)
		}
	}

	if req.Offset > 0 {
		if req.Offset >= len(matched) {
			matched = matched[:0]
		} else {
			matched = matched[req.Offset:]
		}
	}
	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}

	out := make([]datasource.Row, len(matched))
	for i, row := range matched {
		out[i] = project(row, req.Columns)
	}
	return out, nil
}

// Write applies the batch atomically: on any error no table changes
func (s *Store) Write(ctx context.Context, batch []datasource.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	staged := make(map[string]*table)
	stage := func(name string) *table {
		if t, ok := staged[name]; ok {
			return t
		}
		t, ok := s.tables[name]
		if ok {
			t = t.clone()
		} else {
			t = &table{index: make(map[string]int)}
		}
		staged[name] = t
		return t
	}

	for i, m := range batch {
		if len(m.Key) == 0 {
			return fmt.Errorf("mutation %d on %s has no key", i, m.Table)
		}
		t := stage(m.Table)
		id := rowID(m.Key)

		switch m.Kind {
		case datasource.Insert:
			if _, exists := t.index[id]; exists {
				return fmt.Errorf("%w: %s %s", datasource.ErrDuplicateKey, m.Table, id)
			}
			row := make(datasource.Row, len(m.Values)+len(m.Key))
			for k, v := range m.Key {
				row[k] = v
			}
			for k, v := range m.Values {
				row[k] = v
			}
			t.index[id] = len(t.rows)
			t.rows = append(t.rows, row)
		case datasource.Update:
			pos, exists := t.index[id]
			if !exists {
				return fmt.Errorf("%w: %s %s", datasource.ErrRowNotFound, m.Table, id)
			}
			row := t.rows[pos].Clone()
			for k, v := range m.Values {
				row[k] = v
			}
			t.rows[pos] = row
		default:
			return fmt.Errorf("unsupported mutation kind: %d", m.Kind)
		}
	}

	for name, t := range staged {
		s.tables[name] = t
	}
	s.writes++
	return nil
}

// Close rejects every later call
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Fetches returns the requests received since the last ResetStats
func (s *Store) Fetches() []datasource.FetchRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]datasource.FetchRequest(nil), s.fetches...)
}

// Writes returns the number of committed batches since the last ResetStats
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// ResetStats clears the recorded fetches and write count
func (s *Store) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = nil
	s.writes = 0
}

// Rows returns a copy of every row in a table, in insertion order
func (s *Store) Rows(tableName string) []datasource.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]datasource.Row, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.Clone()
	}
	return out
}

// rowID identifies a row by its key columns in sorted order
func rowID(key map[string]any) string {
	cols := make([]string, 0, len(key))
	for c := range key {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	k := make(entity.Key, len(cols))
	for i, c := range cols {
		k[i] = key[c]
	}
	return k.String()
}

func project(row datasource.Row, columns []string) datasource.Row {
	if len(columns) == 0 {
		return row.Clone()
	}
	out := make(datasource.Row, len(columns))
	for _, c := range columns {
		out[c] = row[c]
	}
	return out
}

// compareNullable orders NULLs first
func compareNullable(a, b any) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	return compare(a, b)
}
