package query

import (
	"fmt"
	"strings"
)

// Dialect controls placeholder and identifier quoting style
type Dialect interface {
	Name() string
	Placeholder(n int) string
	Quote(ident string) string
}

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string           { return "sqlite" }
func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SQLite only accepts a subquery on the right of a row-value IN
func (sqliteDialect) rowListPrefix() string { return "VALUES " }

var (
	// Postgres renders $n placeholders
	Postgres Dialect = postgresDialect{}
	// SQLite renders ? placeholders
	SQLite Dialect = sqliteDialect{}
)

// DialectFor returns the dialect for a database/sql driver name
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "pgx", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}

// Params collects bind arguments while a statement is rendered
type Params struct {
	Dialect Dialect
	Args    []any
}

// NewParams creates an empty parameter list for the dialect
func NewParams(d Dialect) *Params {
	if d == nil {
		d = Postgres
	}
	return &Params{Dialect: d, Args: make([]any, 0)}
}

// Bind appends a value and returns its placeholder
func (p *Params) Bind(v any) string {
	p.Args = append(p.Args, v)
	return p.Dialect.Placeholder(len(p.Args))
}

// Quote quotes an identifier with the dialect's rules
func (p *Params) Quote(ident string) string {
	return p.Dialect.Quote(ident)
}
