// Package transaction runs write batches inside database transactions with
// retry on deadlocks and serialization failures.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDeadlock is returned when every retry of a transaction hit a retryable error
	ErrDeadlock = errors.New("deadlock detected")
	// ErrTransactionTimeout is returned when a transaction times out
	ErrTransactionTimeout = errors.New("transaction timeout")
)

// IsolationLevel represents the transaction isolation level
type IsolationLevel int

const (
	// ReadUncommitted allows dirty reads
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted prevents dirty reads (PostgreSQL default)
	ReadCommitted
	// RepeatableRead prevents non-repeatable reads
	RepeatableRead
	// Serializable provides full isolation
	Serializable
)

// String returns the string representation of the isolation level
func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}

// ParseIsolationLevel accepts the SQL spelling, case-insensitive, with
// spaces or underscores. Empty means ReadCommitted.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch normalizeLevel(s) {
	case "", "READ COMMITTED":
		return ReadCommitted, nil
	case "READ UNCOMMITTED":
		return ReadUncommitted, nil
	case "REPEATABLE READ":
		return RepeatableRead, nil
	case "SERIALIZABLE":
		return Serializable, nil
	}
	return ReadCommitted, fmt.Errorf("unknown isolation level %q", s)
}

func normalizeLevel(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "_", " ")
}

// ToSQLOptions converts IsolationLevel to sql.TxOptions
func (l IsolationLevel) ToSQLOptions() *sql.TxOptions {
	var level sql.IsolationLevel
	switch l {
	case ReadUncommitted:
		level = sql.LevelReadUncommitted
	case RepeatableRead:
		level = sql.LevelRepeatableRead
	case Serializable:
		level = sql.LevelSerializable
	default:
		level = sql.LevelReadCommitted
	}
	return &sql.TxOptions{Isolation: level}
}

// Manager runs functions inside transactions on one database
type Manager struct {
	db        *sql.DB
	isolation IsolationLevel
	retry     RetryConfig
	timeout   time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithIsolation sets the isolation level of every transaction.
// Drivers that do not support a level fail at begin.
func WithIsolation(level IsolationLevel) Option {
	return func(m *Manager) { m.isolation = level }
}

// WithRetryConfig replaces the default retry policy
func WithRetryConfig(cfg RetryConfig) Option {
	return func(m *Manager) { m.retry = cfg }
}

// WithTimeout bounds each attempt. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates a new transaction manager
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, isolation: ReadCommitted, retry: DefaultRetryConfig()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the underlying database
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Isolation returns the configured isolation level
func (m *Manager) Isolation() IsolationLevel {
	return m.isolation
}

// WithTransaction executes fn within a transaction, committing when it
// returns nil and rolling back otherwise. The context passed to fn carries
// the transaction; when ctx already carries one, fn joins it and the
// outer call decides the outcome.
func (m *Manager) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	if tx, ok := FromContext(ctx); ok {
		return fn(ctx, tx)
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
		defer func() {
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: exceeded %v: %w", ErrTransactionTimeout, m.timeout, err)
			}
		}()
	}

	tx, err := m.db.BeginTx(ctx, m.isolation.ToSQLOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(WithContext(ctx, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
