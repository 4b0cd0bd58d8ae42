package cache

import (
	"context"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/query"
)

// Options configures the fetch cache decorator
type Options struct {
	// TTL of cached results; zero uses the backend default
	TTL time.Duration
	// Logger receives backend failures; nil discards them
	Logger *zap.Logger
}

// Source caches fetch results of the wrapped data source. Backend failures
// never fail a fetch or write: the source is queried directly and the
// failure is logged.
type Source struct {
	next    datasource.DataSource
	backend Backend
	ttl     time.Duration
	logger  *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New wraps next with a fetch cache on backend
func New(next datasource.DataSource, backend Backend, opts Options) *Source {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		next:    next,
		backend: backend,
		ttl:     opts.TTL,
		logger:  logger.Named("cache"),
	}
}

// Fetch returns cached rows when present and caches the source's rows otherwise
func (s *Source) Fetch(ctx context.Context, req datasource.FetchRequest) ([]datasource.Row, error) {
	key, err := Key(req)
	if err != nil {
		return s.next.Fetch(ctx, req)
	}

	data, err := s.backend.Get(ctx, key)
	switch {
	case err == nil:
		rows, decodeErr := decodeRows(data)
		if decodeErr == nil {
			s.hits.Add(1)
			return rows, nil
		}
		s.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(decodeErr))
	case !IsCacheMiss(err):
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	}
	s.misses.Add(1)

	rows, err := s.next.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err = encodeRows(rows)
	if err != nil {
		s.logger.Warn("cache encode failed", zap.String("entity", req.Entity), zap.Error(err))
		return rows, nil
	}
	if err := s.backend.Set(ctx, key, data, s.ttl, readTables(req)...); err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return rows, nil
}

// Write applies the batch and invalidates the cached results of every
// table it touched
func (s *Source) Write(ctx context.Context, batch []datasource.Mutation) error {
	if err := s.next.Write(ctx, batch); err != nil {
		return err
	}

	tables := touchedTables(batch)
	if len(tables) == 0 {
		return nil
	}
	if err := s.backend.Invalidate(ctx, tables...); err != nil {
		s.logger.Error("cache invalidation failed", zap.Strings("tables", tables), zap.Error(err))
	}
	return nil
}

// Stats returns the number of cache hits and misses so far
func (s *Source) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Close closes the wrapped source and the backend if they hold resources
func (s *Source) Close() error {
	err := datasource.Close(s.next)
	if c, ok := s.backend.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// readTables lists the fetched table and every table a subquery of the
// fetch reads, so a write to any of them drops the entry
func readTables(req datasource.FetchRequest) []string {
	seen := map[string]bool{req.Table: true}
	tables := []string{req.Table}
	var walk func(g *query.PredicateGroup)
	walk = func(g *query.PredicateGroup) {
		if g == nil {
			return
		}
		for _, c := range g.Conditions {
			if c.Subquery == nil {
				continue
			}
			if !seen[c.Subquery.Table] {
				seen[c.Subquery.Table] = true
				tables = append(tables, c.Subquery.Table)
			}
			walk(c.Subquery.Where)
		}
		for _, sub := range g.Groups {
			walk(sub)
		}
	}
	walk(req.Where)
	sort.Strings(tables)
	return tables
}

func touchedTables(batch []datasource.Mutation) []string {
	seen := make(map[string]bool)
	tables := make([]string, 0)
	for _, m := range batch {
		if !seen[m.Table] {
			seen[m.Table] = true
			tables = append(tables, m.Table)
		}
	}
	sort.Strings(tables)
	return tables
}

var _ datasource.DataSource = (*Source)(nil)
