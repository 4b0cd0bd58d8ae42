// Package datasource defines the boundary between sessions and storage:
// predicate-based row fetches and atomic write batches.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/conduit-lang/relkit/internal/orm/query"
)

// Row maps column names to values
type Row map[string]any

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FetchRequest selects rows of one entity's table
type FetchRequest struct {
	Entity  string
	Table   string
	Columns []string
	Where   *query.PredicateGroup
	OrderBy []query.OrderBy
	Limit   int
	Offset  int
	// Populate lists the relationship paths the caller will load next.
	// Data sources may ignore it.
	Populate []string
}

// Statement renders the request as a SELECT for the dialect
func (r FetchRequest) Statement(d query.Dialect) (string, []any, error) {
	b := query.Select(r.Table, r.Columns...).Where(r.Where).OrderBy(r.OrderBy...)
	if r.Limit > 0 {
		b.Limit(r.Limit)
	}
	if r.Offset > 0 {
		b.Offset(r.Offset)
	}
	return b.ToSQL(d)
}

// MutationKind distinguishes inserts from updates
type MutationKind int

const (
	Insert MutationKind = iota
	Update
)

// String returns the SQL verb of the mutation kind
func (k MutationKind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Mutation is one row change in a write batch. Key holds the primary-key
// columns and Values the other written columns.
type Mutation struct {
	Kind   MutationKind
	Entity string
	Table  string
	Key    map[string]any
	Values map[string]any
}

// Statement renders the mutation for the dialect
func (m Mutation) Statement(d query.Dialect) (string, []any, error) {
	switch m.Kind {
	case Insert:
		return query.Insert(d, m.Table, m.Columns())
	case Update:
		return query.Update(d, m.Table, m.Values, m.Key)
	default:
		return "", nil, fmt.Errorf("unsupported mutation kind: %d", m.Kind)
	}
}

// Columns returns the key and value columns in one map
func (m Mutation) Columns() map[string]any {
	out := make(map[string]any, len(m.Key)+len(m.Values))
	for k, v := range m.Values {
		out[k] = v
	}
	for k, v := range m.Key {
		out[k] = v
	}
	return out
}

// DataSource runs fetches and atomic write batches. Implementations must be
// safe for concurrent use by independent sessions.
type DataSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]Row, error)
	// Write applies the whole batch or nothing
	Write(ctx context.Context, batch []Mutation) error
}

var (
	// ErrDuplicateKey is returned when an insert collides with an existing row
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrRowNotFound is returned when an update matches no row
	ErrRowNotFound = errors.New("row not found")
)

// Close closes ds if it holds resources
func Close(ds DataSource) error {
	if c, ok := ds.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
