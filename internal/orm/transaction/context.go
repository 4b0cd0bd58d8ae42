package transaction

import (
	"context"
	"database/sql"
)

type contextKey string

const contextKeyTransaction contextKey = "relkit:transaction"

// FromContext returns the transaction carried by ctx
func FromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(contextKeyTransaction).(*sql.Tx)
	return tx, ok && tx != nil
}

// WithContext returns a context carrying tx
func WithContext(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, contextKeyTransaction, tx)
}

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// QuerierFrom returns the transaction carried by ctx, or db
func QuerierFrom(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return db
}
