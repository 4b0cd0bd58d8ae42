package migrate

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/transaction"
)

// VersionTable records every applied schema version
const VersionTable = "relkit_schema_versions"

// Version identifies a set of statements by content
func Version(stmts []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(stmts, ";\n")))
	return hex.EncodeToString(sum[:8])
}

// AppliedVersion is one row of the version table
type AppliedVersion struct {
	Version    string
	Statements int
	AppliedAt  time.Time
}

// Tracker manages the version table
type Tracker struct {
	dialect query.Dialect
}

// NewTracker creates a tracker rendering SQL for d
func NewTracker(d query.Dialect) *Tracker {
	return &Tracker{dialect: d}
}

// Initialize ensures the version table exists
func (t *Tracker) Initialize(ctx context.Context, q transaction.Querier) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  version VARCHAR(32) PRIMARY KEY,
  statements INTEGER NOT NULL,
  applied_at TIMESTAMP NOT NULL
)`, VersionTable)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", VersionTable, err)
	}
	return nil
}

// IsApplied checks whether version has been recorded
func (t *Tracker) IsApplied(ctx context.Context, q transaction.Querier, version string) (bool, error) {
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE version = %s", VersionTable, t.dialect.Placeholder(1))
	rows, err := q.QueryContext(ctx, stmt, version)
	if err != nil {
		return false, fmt.Errorf("failed to check schema version: %w", err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, fmt.Errorf("failed to check schema version: %w", err)
		}
	}
	return n > 0, rows.Err()
}

// Record marks version as applied
func (t *Tracker) Record(ctx context.Context, q transaction.Querier, version string, statements int) error {
	stmt := fmt.Sprintf("INSERT INTO %s (version, statements, applied_at) VALUES (%s, %s, %s)",
		VersionTable, t.dialect.Placeholder(1), t.dialect.Placeholder(2), t.dialect.Placeholder(3))
	if _, err := q.ExecContext(ctx, stmt, version, statements, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// Applied returns every recorded version, oldest first
func (t *Tracker) Applied(ctx context.Context, q transaction.Querier) ([]AppliedVersion, error) {
	stmt := fmt.Sprintf("SELECT version, statements, applied_at FROM %s ORDER BY applied_at, version", VersionTable)
	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema versions: %w", err)
	}
	defer rows.Close()

	var out []AppliedVersion
	for rows.Next() {
		var v AppliedVersion
		if err := rows.Scan(&v.Version, &v.Statements, &v.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
