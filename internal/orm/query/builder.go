package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// OrderBy is one ORDER BY term on a column
type OrderBy struct {
	Column string
	Desc   bool
}

// String returns the term as written in SQL, without quoting
func (o OrderBy) String() string {
	if o.Desc {
		return o.Column + " DESC"
	}
	return o.Column + " ASC"
}

// ParseOrderBy converts "name", "name DESC" or "-name" terms on property
// names into column terms for the entity
func ParseOrderBy(meta *schema.Entity, terms ...string) ([]OrderBy, error) {
	out := make([]OrderBy, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		desc := false
		if strings.HasPrefix(term, "-") {
			desc = true
			term = term[1:]
		}
		field, dir, _ := strings.Cut(term, " ")
		switch strings.ToUpper(strings.TrimSpace(dir)) {
		case "", "ASC":
		case "DESC":
			desc = true
		default:
			return nil, fmt.Errorf("%w: order direction %q", ErrInvalidValue, dir)
		}
		p, ok := meta.Property(field)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, meta.Name, field)
		}
		out = append(out, OrderBy{Column: p.Column, Desc: desc})
	}
	return out, nil
}

// SelectBuilder renders a SELECT over one table
type SelectBuilder struct {
	table   string
	columns []string
	where   *PredicateGroup
	orderBy []OrderBy
	limit   *int
	offset  *int
}

// Select starts a SELECT of the given columns; no columns selects *
func Select(table string, columns ...string) *SelectBuilder {
	return &SelectBuilder{
		table:   table,
		columns: append([]string(nil), columns...),
		where:   NewPredicateGroup(false),
		orderBy: make([]OrderBy, 0),
	}
}

// Where ANDs a predicate group into the WHERE clause
func (b *SelectBuilder) Where(pg *PredicateGroup) *SelectBuilder {
	b.where = And(b.where, pg)
	return b
}

// OrderBy appends ORDER BY terms
func (b *SelectBuilder) OrderBy(terms ...OrderBy) *SelectBuilder {
	b.orderBy = append(b.orderBy, terms...)
	return b
}

// Limit sets the LIMIT clause
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limit = &n
	return b
}

// Offset sets the OFFSET clause
func (b *SelectBuilder) Offset(n int) *SelectBuilder {
	b.offset = &n
	return b
}

// Clone creates a copy of the builder
func (b *SelectBuilder) Clone() *SelectBuilder {
	clone := &SelectBuilder{
		table:   b.table,
		columns: append([]string(nil), b.columns...),
		where:   b.where.Clone(),
		orderBy: append(make([]OrderBy, 0, len(b.orderBy)), b.orderBy...),
	}
	if b.limit != nil {
		limit := *b.limit
		clone.limit = &limit
	}
	if b.offset != nil {
		offset := *b.offset
		clone.offset = &offset
	}
	return clone
}

// ToSQL generates the SQL query and parameter bindings
func (b *SelectBuilder) ToSQL(d Dialect) (string, []any, error) {
	if err := validateIdentifier(b.table); err != nil {
		return "", nil, err
	}
	params := NewParams(d)
	var sql strings.Builder

	cols := "*"
	if len(b.columns) > 0 {
		quoted := make([]string, len(b.columns))
		for i, c := range b.columns {
			quoted[i] = params.Quote(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	sql.WriteString(fmt.Sprintf("SELECT %s FROM %s", cols, params.Quote(b.table)))

	where, err := b.where.ToSQL(params)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build condition: %w", err)
	}
	if where != "" {
		sql.WriteString(" WHERE ")
		sql.WriteString(where)
	}

	if len(b.orderBy) > 0 {
		terms := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms[i] = fmt.Sprintf("%s %s", params.Quote(o.Column), dir)
		}
		sql.WriteString(" ORDER BY ")
		sql.WriteString(strings.Join(terms, ", "))
	}

	if b.limit != nil {
		sql.WriteString(" LIMIT " + params.Bind(*b.limit))
	}
	if b.offset != nil {
		sql.WriteString(" OFFSET " + params.Bind(*b.offset))
	}

	return sql.String(), params.Args, nil
}

// Insert renders an INSERT of one row. Columns are written in sorted order.
func Insert(d Dialect, table string, values map[string]any) (string, []any, error) {
	if err := validateIdentifier(table); err != nil {
		return "", nil, err
	}
	if len(values) == 0 {
		return "", nil, fmt.Errorf("insert into %s has no values", table)
	}
	params := NewParams(d)
	cols := sortedColumns(values)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = params.Quote(c)
		placeholders[i] = params.Bind(values[c])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		params.Quote(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return sql, params.Args, nil
}

// Update renders an UPDATE of the row identified by key
func Update(d Dialect, table string, values, key map[string]any) (string, []any, error) {
	if err := validateIdentifier(table); err != nil {
		return "", nil, err
	}
	if len(values) == 0 {
		return "", nil, fmt.Errorf("update of %s has no values", table)
	}
	if len(key) == 0 {
		return "", nil, fmt.Errorf("update of %s has no key", table)
	}
	params := NewParams(d)

	cols := sortedColumns(values)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", params.Quote(c), params.Bind(values[c]))
	}

	keyCols := sortedColumns(key)
	keyValues := make([]any, len(keyCols))
	for i, c := range keyCols {
		keyValues[i] = key[c]
	}
	where, err := ColumnsEqual(keyCols, keyValues).ToSQL(params)
	if err != nil {
		return "", nil, err
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", params.Quote(table), strings.Join(sets, ", "), where)
	return sql, params.Args, nil
}

func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// validateIdentifier checks that an identifier only contains letters,
// digits, underscores and dots for qualified names
func validateIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("invalid identifier: empty")
	}
	for _, char := range identifier {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '_' || char == '.') {
			return fmt.Errorf("invalid identifier: %s (contains invalid character: %c)", identifier, char)
		}
	}
	return nil
}
