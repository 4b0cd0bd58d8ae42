package query

import (
	"github.com/conduit-lang/relkit/internal/orm/entity"
)

// Simplify flattens nested AND groups into their parent and removes
// duplicate simple conditions, so a column constrained to the same value
// at several nesting levels (a shared org_id) appears once.
func Simplify(pg *PredicateGroup) *PredicateGroup {
	if pg == nil {
		return NewPredicateGroup(false)
	}
	out := &PredicateGroup{
		Conditions: make([]*Condition, 0, len(pg.Conditions)),
		Groups:     make([]*PredicateGroup, 0, len(pg.Groups)),
		Or:         pg.Or,
		Not:        pg.Not,
	}

	add := func(cond *Condition) {
		if !out.Or && containsCondition(out.Conditions, cond) {
			return
		}
		out.Conditions = append(out.Conditions, cond)
	}

	for _, cond := range pg.Conditions {
		add(cond)
	}
	for _, g := range pg.Groups {
		g = Simplify(g)
		if g.IsEmpty() {
			continue
		}
		// Nested AND groups without negation merge into an AND parent
		if !out.Or && !g.Or && !g.Not {
			for _, cond := range g.Conditions {
				add(cond)
			}
			out.Groups = append(out.Groups, g.Groups...)
			continue
		}
		// A lone condition needs no group of its own
		if !g.Not && len(g.Conditions) == 1 && len(g.Groups) == 0 {
			add(g.Conditions[0])
			continue
		}
		out.Groups = append(out.Groups, g)
	}

	if !out.Not && len(out.Conditions) == 0 && len(out.Groups) == 1 {
		return out.Groups[0]
	}
	return out
}

// containsCondition reports whether an equivalent simple condition is present
func containsCondition(conds []*Condition, cond *Condition) bool {
	if !cond.IsSimple() {
		return false
	}
	for _, c := range conds {
		if c.IsSimple() && c.Field == cond.Field && c.Operator == cond.Operator && sameValue(c.Value, cond.Value) {
			return true
		}
	}
	return false
}

func sameValue(a, b any) bool {
	av, aok := a.([]any)
	bv, bok := b.([]any)
	if aok || bok {
		if !aok || !bok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !entity.Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return entity.Equal(a, b)
}

// selectivity scores a condition; lower scores narrow the result more
func selectivity(cond *Condition) int {
	if cond.Subquery != nil {
		return 7
	}
	switch cond.Operator {
	case OpEqual:
		return 1
	case OpIn:
		if values, ok := cond.Value.([]any); ok && len(values) <= 3 {
			return 2
		}
		return 4
	case OpIsNull, OpIsNotNull:
		return 3
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return 6
	case OpLike, OpILike:
		return 8
	default:
		return 10
	}
}

// EvaluationOrder returns the group's conditions ordered most selective
// first; ties keep their translated order. Evaluators use it to bail out early.
func EvaluationOrder(pg *PredicateGroup) []*Condition {
	out := append(make([]*Condition, 0, len(pg.Conditions)), pg.Conditions...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && selectivity(out[j]) < selectivity(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
