// Package query translates relationship-aware predicate trees into flat
// column conditions and renders them as SQL.
package query

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpIn
	OpNotIn
	OpLike
	OpILike
	OpIsNull
	OpIsNotNull
)

// String returns the string representation of the operator
func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpNotEqual:
		return "!="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpIn:
		return "IN"
	case OpNotIn:
		return "NOT IN"
	case OpLike:
		return "LIKE"
	case OpILike:
		return "ILIKE"
	case OpIsNull:
		return "IS NULL"
	case OpIsNotNull:
		return "IS NOT NULL"
	default:
		return "UNKNOWN"
	}
}

// Subquery selects key columns of another entity for IN conditions
type Subquery struct {
	Entity  string
	Table   string
	Columns []string
	Where   *PredicateGroup
}

// Condition represents a WHERE condition on one column, or on a row of
// columns when Fields is set. Row conditions support OpIn / OpNotIn
// against tuples ([][]any) or a Subquery.
type Condition struct {
	Field    string
	Fields   []string
	Operator Operator
	Value    any
	Subquery *Subquery
}

// Columns returns the columns the condition constrains
func (c *Condition) Columns() []string {
	if len(c.Fields) > 0 {
		return c.Fields
	}
	return []string{c.Field}
}

// IsSimple returns true for single-column conditions without a subquery
func (c *Condition) IsSimple() bool {
	return len(c.Fields) == 0 && c.Subquery == nil
}

// PredicateGroup represents a group of predicates combined with AND/OR
type PredicateGroup struct {
	Conditions []*Condition
	Groups     []*PredicateGroup
	Or         bool // true for OR, false for AND
	Not        bool // negates the whole group
}

// NewPredicateGroup creates a new predicate group
func NewPredicateGroup(or bool) *PredicateGroup {
	return &PredicateGroup{
		Conditions: make([]*Condition, 0),
		Groups:     make([]*PredicateGroup, 0),
		Or:         or,
	}
}

// AddCondition adds a condition to the group
func (pg *PredicateGroup) AddCondition(cond *Condition) {
	pg.Conditions = append(pg.Conditions, cond)
}

// AddGroup adds a nested group
func (pg *PredicateGroup) AddGroup(group *PredicateGroup) {
	pg.Groups = append(pg.Groups, group)
}

// IsEmpty returns true if the group has no conditions at any depth
func (pg *PredicateGroup) IsEmpty() bool {
	if pg == nil {
		return true
	}
	if len(pg.Conditions) > 0 {
		return false
	}
	for _, g := range pg.Groups {
		if !g.IsEmpty() {
			return false
		}
	}
	return true
}

// Clone returns a copy of the group tree. Conditions are shared since
// they are never mutated after translation.
func (pg *PredicateGroup) Clone() *PredicateGroup {
	if pg == nil {
		return NewPredicateGroup(false)
	}
	out := &PredicateGroup{
		Conditions: append(make([]*Condition, 0, len(pg.Conditions)), pg.Conditions...),
		Groups:     make([]*PredicateGroup, 0, len(pg.Groups)),
		Or:         pg.Or,
		Not:        pg.Not,
	}
	for _, g := range pg.Groups {
		out.Groups = append(out.Groups, g.Clone())
	}
	return out
}

// And returns a new AND group holding every non-empty group given
func And(groups ...*PredicateGroup) *PredicateGroup {
	out := NewPredicateGroup(false)
	for _, g := range groups {
		if g.IsEmpty() {
			continue
		}
		if !g.Or && !g.Not {
			out.Conditions = append(out.Conditions, g.Conditions...)
			out.Groups = append(out.Groups, g.Groups...)
			continue
		}
		out.AddGroup(g)
	}
	return out
}

// ToSQL converts the predicate group to SQL
func (pg *PredicateGroup) ToSQL(params *Params) (string, error) {
	if pg.IsEmpty() {
		return "", nil
	}

	parts := make([]string, 0)

	for _, cond := range pg.Conditions {
		sql, err := conditionToSQL(cond, params)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}

	for _, group := range pg.Groups {
		sql, err := group.ToSQL(params)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, fmt.Sprintf("(%s)", sql))
		}
	}

	if len(parts) == 0 {
		return "", nil
	}

	connector := " AND "
	if pg.Or {
		connector = " OR "
	}

	sql := strings.Join(parts, connector)
	if pg.Not {
		return fmt.Sprintf("NOT (%s)", sql), nil
	}
	return sql, nil
}

// conditionToSQL converts a condition to SQL with parameterized values
func conditionToSQL(cond *Condition, params *Params) (string, error) {
	if !cond.IsSimple() {
		return rowConditionToSQL(cond, params)
	}
	field := params.Quote(cond.Field)

	switch cond.Operator {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual, OpLike, OpILike:
		return fmt.Sprintf("%s %s %s", field, cond.Operator, params.Bind(cond.Value)), nil

	case OpIn, OpNotIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return "", fmt.Errorf("%s operator requires []any value", cond.Operator)
		}
		if len(values) == 0 {
			// IN with empty array always returns false, NOT IN always true
			if cond.Operator == OpIn {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}

		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = params.Bind(v)
		}
		return fmt.Sprintf("%s %s (%s)", field, cond.Operator, strings.Join(placeholders, ", ")), nil

	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s %s", field, cond.Operator), nil

	default:
		return "", fmt.Errorf("unsupported operator: %v", cond.Operator)
	}
}

// rowConditionToSQL renders (a, b) IN (...) conditions
func rowConditionToSQL(cond *Condition, params *Params) (string, error) {
	if cond.Operator != OpIn && cond.Operator != OpNotIn {
		return "", fmt.Errorf("row condition requires IN or NOT IN, got %s", cond.Operator)
	}
	left := quoteRow(cond.Columns(), params)

	if cond.Subquery != nil {
		sub, err := cond.Subquery.ToSQL(params)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s (%s)", left, cond.Operator, sub), nil
	}

	tuples, ok := cond.Value.([][]any)
	if !ok {
		return "", fmt.Errorf("row %s requires [][]any value", cond.Operator)
	}
	if len(tuples) == 0 {
		if cond.Operator == OpIn {
			return "1 = 0", nil
		}
		return "1 = 1", nil
	}
	rows := make([]string, len(tuples))
	for i, tuple := range tuples {
		if len(tuple) != len(cond.Fields) {
			return "", fmt.Errorf("tuple %d has %d values for %d columns", i, len(tuple), len(cond.Fields))
		}
		placeholders := make([]string, len(tuple))
		for j, v := range tuple {
			placeholders[j] = params.Bind(v)
		}
		rows[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}
	prefix := ""
	if d, ok := params.Dialect.(interface{ rowListPrefix() string }); ok {
		prefix = d.rowListPrefix()
	}
	return fmt.Sprintf("%s %s (%s%s)", left, cond.Operator, prefix, strings.Join(rows, ", ")), nil
}

func quoteRow(columns []string, params *Params) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = params.Quote(c)
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

// ToSQL renders the subquery as a SELECT statement
func (s *Subquery) ToSQL(params *Params) (string, error) {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = params.Quote(c)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), params.Quote(s.Table))
	where, err := s.Where.ToSQL(params)
	if err != nil {
		return "", err
	}
	if where != "" {
		sql += " WHERE " + where
	}
	return sql, nil
}

// ColumnsIn builds the condition matching any of the given key tuples.
// A single column renders as col IN (...), several as a row-value IN.
func ColumnsIn(columns []string, tuples [][]any) *Condition {
	if len(columns) == 1 {
		values := make([]any, len(tuples))
		for i, t := range tuples {
			values[i] = t[0]
		}
		return &Condition{Field: columns[0], Operator: OpIn, Value: values}
	}
	return &Condition{Fields: columns, Operator: OpIn, Value: tuples}
}

// ColumnsEqual builds one equality condition per column; nil values become IS NULL
func ColumnsEqual(columns []string, values []any) *PredicateGroup {
	group := NewPredicateGroup(false)
	for i, c := range columns {
		if values[i] == nil {
			group.AddCondition(&Condition{Field: c, Operator: OpIsNull})
			continue
		}
		group.AddCondition(&Condition{Field: c, Operator: OpEqual, Value: values[i]})
	}
	return group
}
