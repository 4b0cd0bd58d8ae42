package memory

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/query"
)

// matcher evaluates predicate groups against rows of one snapshot of the
// tables, so subqueries see the same data as the outer query
type matcher struct {
	tables map[string]*table
}

func (m *matcher) match(pg *query.PredicateGroup, row datasource.Row) (bool, error) {
	if pg.IsEmpty() {
		return true, nil
	}
	result, err := m.matchGroup(pg, row)
	if err != nil {
		return false, err
	}
	if pg.Not {
		return !result, nil
	}
	return result, nil
}

func (m *matcher) matchGroup(pg *query.PredicateGroup, row datasource.Row) (bool, error) {
	// AND stops at the first false, OR at the first true
	stop := pg.Or
	for _, cond := range query.EvaluationOrder(pg) {
		ok, err := m.matchCondition(cond, row)
		if err != nil {
			return false, err
		}
		if ok == stop {
			return stop, nil
		}
	}
	for _, g := range pg.Groups {
		if g.IsEmpty() {
			continue
		}
		ok, err := m.match(g, row)
		if err != nil {
			return false, err
		}
		if ok == stop {
			return stop, nil
		}
	}
	return !stop, nil
}

func (m *matcher) matchCondition(cond *query.Condition, row datasource.Row) (bool, error) {
	if !cond.IsSimple() {
		return m.matchRow(cond, row)
	}
	value := row[cond.Field]

	switch cond.Operator {
	case query.OpIsNull:
		return value == nil, nil
	case query.OpIsNotNull:
		return value != nil, nil
	}
	// comparisons against NULL are never true
	if value == nil || cond.Value == nil {
		return false, nil
	}

	switch cond.Operator {
	case query.OpEqual:
		return entity.Equal(value, cond.Value), nil
	case query.OpNotEqual:
		return !entity.Equal(value, cond.Value), nil
	case query.OpGreaterThan, query.OpGreaterThanOrEqual, query.OpLessThan, query.OpLessThanOrEqual:
		c, err := compare(value, cond.Value)
		if err != nil {
			return false, fmt.Errorf("%s %s: %w", cond.Field, cond.Operator, err)
		}
		switch cond.Operator {
		case query.OpGreaterThan:
			return c > 0, nil
		case query.OpGreaterThanOrEqual:
			return c >= 0, nil
		case query.OpLessThan:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case query.OpIn, query.OpNotIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("%s operator requires []any value", cond.Operator)
		}
		found := false
		for _, v := range values {
			if entity.Equal(value, v) {
				found = true
				break
			}
		}
		return found == (cond.Operator == query.OpIn), nil
	case query.OpLike, query.OpILike:
		s, ok := value.(string)
		pattern, pok := cond.Value.(string)
		if !ok || !pok {
			return false, fmt.Errorf("%s requires string operands", cond.Operator)
		}
		return like(s, pattern, cond.Operator == query.OpILike)
	default:
		return false, fmt.Errorf("unsupported operator: %v", cond.Operator)
	}
}

// matchRow handles (a, b) IN tuples and subqueries
func (m *matcher) matchRow(cond *query.Condition, row datasource.Row) (bool, error) {
	if cond.Operator != query.OpIn && cond.Operator != query.OpNotIn {
		return false, fmt.Errorf("row condition requires IN or NOT IN, got %s", cond.Operator)
	}
	cols := cond.Columns()
	left := make(entity.Key, len(cols))
	for i, c := range cols {
		left[i] = row[c]
	}

	var candidates []entity.Key
	if cond.Subquery != nil {
		keys, err := m.subquery(cond.Subquery)
		if err != nil {
			return false, err
		}
		candidates = keys
	} else {
		tuples, ok := cond.Value.([][]any)
		if !ok {
			return false, fmt.Errorf("row %s requires [][]any value", cond.Operator)
		}
		for _, t := range tuples {
			candidates = append(candidates, entity.Key(t))
		}
	}

	found := false
	if !left.IsZero() {
		for _, k := range candidates {
			if left.Equal(k) {
				found = true
				break
			}
		}
	}
	if cond.Operator == query.OpIn {
		return found, nil
	}
	// NOT IN with a NULL on the left is unknown, hence not matched
	return !found && !left.IsZero(), nil
}

func (m *matcher) subquery(sq *query.Subquery) ([]entity.Key, error) {
	t, ok := m.tables[sq.Table]
	if !ok {
		return nil, nil
	}
	var out []entity.Key
	for _, row := range t.rows {
		ok, err := m.match(sq.Where, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		k := make(entity.Key, len(sq.Columns))
		for i, c := range sq.Columns {
			k[i] = row[c]
		}
		out = append(out, k)
	}
	return out, nil
}

// compare orders two values of compatible kinds
func compare(a, b any) (int, error) {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), nil
		}
	}
	na, nb := entity.Normalize(a), entity.Normalize(b)
	switch x := na.(type) {
	case int64:
		switch y := nb.(type) {
		case int64:
			return cmpOrdered(x, y), nil
		case float64:
			return cmpOrdered(float64(x), y), nil
		}
	case float64:
		switch y := nb.(type) {
		case float64:
			return cmpOrdered(x, y), nil
		case int64:
			return cmpOrdered(x, float64(y)), nil
		}
	case string:
		if y, ok := nb.(string); ok {
			return strings.Compare(x, y), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// like matches SQL LIKE patterns where % is any run and _ one character
func like(s, pattern string, insensitive bool) (bool, error) {
	var b strings.Builder
	b.WriteString("^")
	if insensitive {
		b.WriteString("(?i)")
	}
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
