// Package sqlstore implements datasource.DataSource on database/sql.
// Writes run inside one transaction with deadlock retry; a transaction
// already carried by the context is joined.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/transaction"
)

// Store runs fetches and write batches against a SQL database
type Store struct {
	db      *sql.DB
	dialect query.Dialect
	tx      *transaction.Manager
}

// New wraps an open database. Transaction options configure the isolation
// level, retry policy and timeout of write batches.
func New(db *sql.DB, dialect query.Dialect, opts ...transaction.Option) *Store {
	if dialect == nil {
		dialect = query.Postgres
	}
	return &Store{
		db:      db,
		dialect: dialect,
		tx:      transaction.NewManager(db, opts...),
	}
}

// Open opens a database with a registered driver ("postgres", "pgx" or
// "sqlite3") and picks the matching dialect
func Open(ctx context.Context, driver, dsn string, opts ...transaction.Option) (*Store, error) {
	dialect, err := query.DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, dialect, opts...), nil
}

// DB returns the underlying database
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the dialect statements are rendered with
func (s *Store) Dialect() query.Dialect {
	return s.dialect
}

// Transactions returns the manager used for write batches. Callers can run
// fetches and writes inside one of its transactions.
func (s *Store) Transactions() *transaction.Manager {
	return s.tx
}

// Fetch runs the request as a SELECT
func (s *Store) Fetch(ctx context.Context, req datasource.FetchRequest) ([]datasource.Row, error) {
	stmt, args, err := req.Statement(s.dialect)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Entity, err)
	}

	rows, err := transaction.QuerierFrom(ctx, s.db).QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Entity, ConvertDBError(err))
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: scan: %w", req.Entity, err)
	}
	return result, nil
}

// Write applies the batch in one transaction. An update that matches no
// row fails the batch with datasource.ErrRowNotFound.
func (s *Store) Write(ctx context.Context, batch []datasource.Mutation) error {
	if len(batch) == 0 {
		return nil
	}

	// render before opening the transaction
	stmts := make([]string, len(batch))
	args := make([][]any, len(batch))
	for i, m := range batch {
		stmt, a, err := m.Statement(s.dialect)
		if err != nil {
			return fmt.Errorf("mutation %d on %s: %w", i, m.Table, err)
		}
		stmts[i], args[i] = stmt, a
	}

	return s.tx.WithRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for i, m := range batch {
			res, err := tx.ExecContext(ctx, stmts[i], args[i]...)
			if err != nil {
				return fmt.Errorf("%s %s: %w", m.Kind, m.Table, ConvertDBError(err))
			}
			if m.Kind != datasource.Update {
				continue
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("%s %s: %w", m.Kind, m.Table, err)
			}
			if n == 0 {
				return fmt.Errorf("%w: %s %v", datasource.ErrRowNotFound, m.Table, m.Key)
			}
		}
		return nil
	})
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

var _ datasource.DataSource = (*Store)(nil)
