package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

const (
	// DefaultMaxRetries is the default number of attempts for retryable errors
	DefaultMaxRetries = 3
	// DefaultBaseBackoff is the default base backoff duration
	DefaultBaseBackoff = 100 * time.Millisecond
)

// RetryConfig configures retry behavior for transactions
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  DefaultMaxRetries,
		BaseBackoff: DefaultBaseBackoff,
	}
}

// WithRetry executes fn in a transaction, retrying with exponential
// backoff while it fails with a retryable error. Other errors are
// returned immediately.
func (m *Manager) WithRetry(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	attempts := m.retry.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	if _, joined := FromContext(ctx); joined {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transaction cancelled before attempt %d: %w", attempt+1, err)
		}

		err := m.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		backoff := m.retry.BaseBackoff * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction cancelled during retry: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%w: transaction failed after %d attempts: %w", ErrDeadlock, attempts, lastErr)
}

// IsRetryableError reports deadlocks and serialization failures
// (PostgreSQL 40P01 and 40001) and busy or locked SQLite databases
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock detected") || strings.Contains(msg, "could not serialize access")
}
