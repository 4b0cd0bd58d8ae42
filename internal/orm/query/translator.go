package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// Predicate is a condition tree keyed by property or relationship names.
// The keys $and, $or and $not combine nested predicates.
type Predicate map[string]any

// FilterOptions carries per-query filter switches and parameters
type FilterOptions struct {
	// Enabled overrides the default state of named filters for one query
	Enabled map[string]bool
	// Params supplies parameter values per filter name
	Params map[string]map[string]any
}

// Filters applies row filters to the conditions of a fetch
type Filters interface {
	Apply(entityName string, base *PredicateGroup, opts FilterOptions) (*PredicateGroup, error)
	// Active reports whether any filter of the entity applies under opts
	Active(entityName string, opts FilterOptions) bool
}

// Translator turns relationship-aware predicates into column conditions.
//
// Key tuples and handles under an owning relationship are rewritten onto
// its local join columns. A nested object is rewritten the same way when it
// only constrains the target's key and the target has no active filter;
// anything else becomes an IN subquery against the target. Values under an inverse
// relationship always become a subquery on the owning side, correlated
// through its join columns. Every subquery re-applies the target's filters.
type Translator struct {
	registry       *schema.Registry
	filters        Filters
	propertiesOnly bool
}

// NewTranslator creates a translator. filters may be nil.
func NewTranslator(registry *schema.Registry, filters Filters) *Translator {
	return &Translator{registry: registry, filters: filters}
}

// Translate converts a predicate on the named entity. Filters of the root
// entity are not applied here; the fetch path applies them.
func (t *Translator) Translate(entityName string, pred Predicate, opts FilterOptions) (*PredicateGroup, error) {
	meta, err := t.registry.Resolve(entityName)
	if err != nil {
		return nil, err
	}
	group, err := t.translate(meta, pred, opts)
	if err != nil {
		return nil, err
	}
	return Simplify(group), nil
}

// PropertyConditions translates a predicate that only references
// properties of the entity. Filters use it for their templates.
func PropertyConditions(meta *schema.Entity, pred Predicate) (*PredicateGroup, error) {
	t := &Translator{propertiesOnly: true}
	group, err := t.translate(meta, pred, FilterOptions{})
	if err != nil {
		return nil, err
	}
	return Simplify(group), nil
}

func (t *Translator) translate(meta *schema.Entity, pred map[string]any, opts FilterOptions) (*PredicateGroup, error) {
	group := NewPredicateGroup(false)

	for _, key := range sortedKeys(pred) {
		value := pred[key]

		switch key {
		case "$and", "$or":
			items, err := predicateList(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			sub := NewPredicateGroup(key == "$or")
			for _, item := range items {
				g, err := t.translate(meta, item, opts)
				if err != nil {
					return nil, err
				}
				sub.AddGroup(g)
			}
			group.AddGroup(sub)
			continue
		case "$not":
			inner, ok := asPredicate(value)
			if !ok {
				return nil, fmt.Errorf("%w: $not requires an object", ErrInvalidValue)
			}
			g, err := t.translate(meta, inner, opts)
			if err != nil {
				return nil, err
			}
			g.Not = true
			group.AddGroup(g)
			continue
		}

		if p, ok := meta.Property(key); ok {
			conds, err := propertyConditions(p.Column, value)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", meta.Name, key, err)
			}
			group.Conditions = append(group.Conditions, conds...)
			continue
		}

		rel, ok := meta.Relationship(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, meta.Name, key)
		}
		if t.propertiesOnly {
			return nil, fmt.Errorf("%w: relationship %s is not allowed here", ErrUnsupportedOperator, rel)
		}
		if rel.TargetEntity() == nil {
			return nil, fmt.Errorf("%w: %s", schema.ErrNotLinked, rel)
		}

		var (
			g   *PredicateGroup
			err error
		)
		if rel.IsOwning() {
			g, err = t.owning(rel, value, opts)
		} else {
			g, err = t.inverse(rel, value, opts)
		}
		if err != nil {
			return nil, err
		}
		group.AddGroup(g)
	}

	return group, nil
}

// propertyConditions translates the value under a property key
func propertyConditions(column string, value any) ([]*Condition, error) {
	if value == nil {
		return []*Condition{{Field: column, Operator: OpIsNull}}, nil
	}
	if ops, ok := asPredicate(value); ok {
		return operatorConditions(column, ops)
	}
	if list, ok := toList(value); ok {
		return []*Condition{{Field: column, Operator: OpIn, Value: list}}, nil
	}
	return []*Condition{{Field: column, Operator: OpEqual, Value: value}}, nil
}

func operatorConditions(column string, ops map[string]any) ([]*Condition, error) {
	conds := make([]*Condition, 0, len(ops))
	for _, op := range sortedKeys(ops) {
		v := ops[op]
		switch op {
		case "$eq":
			if v == nil {
				conds = append(conds, &Condition{Field: column, Operator: OpIsNull})
				continue
			}
			conds = append(conds, &Condition{Field: column, Operator: OpEqual, Value: v})
		case "$ne":
			if v == nil {
				conds = append(conds, &Condition{Field: column, Operator: OpIsNotNull})
				continue
			}
			conds = append(conds, &Condition{Field: column, Operator: OpNotEqual, Value: v})
		case "$gt", "$gte", "$lt", "$lte", "$like", "$ilike":
			conds = append(conds, &Condition{Field: column, Operator: comparisonOperators[op], Value: v})
		case "$in", "$nin":
			list, ok := toList(v)
			if !ok {
				return nil, fmt.Errorf("%w: %s requires a list", ErrInvalidValue, op)
			}
			operator := OpIn
			if op == "$nin" {
				operator = OpNotIn
			}
			conds = append(conds, &Condition{Field: column, Operator: operator, Value: list})
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
		}
	}
	return conds, nil
}

var comparisonOperators = map[string]Operator{
	"$gt":    OpGreaterThan,
	"$gte":   OpGreaterThanOrEqual,
	"$lt":    OpLessThan,
	"$lte":   OpLessThanOrEqual,
	"$like":  OpLike,
	"$ilike": OpILike,
}

// owning translates a value under an owning relationship onto its join columns
func (t *Translator) owning(rel *schema.Relationship, value any, opts FilterOptions) (*PredicateGroup, error) {
	if value == nil {
		return nullGroup(rel.OwnedColumns(), OpIsNull), nil
	}
	if pred, ok := asPredicate(value); ok {
		if ops, ok := relationOperators(pred); ok {
			return t.operators(rel, ops, opts, t.owning)
		}
		return t.owningNested(rel, pred, opts)
	}

	keys, single, err := t.keyValues(rel, value)
	if err != nil {
		return nil, err
	}
	locals := rel.LocalColumns()
	if single {
		return ColumnsEqual(locals[:len(keys[0])], keys[0]), nil
	}
	group := NewPredicateGroup(false)
	group.AddCondition(ColumnsIn(locals, keyTuples(keys)))
	return group, nil
}

// owningNested translates a nested object under an owning relationship.
// Conditions that only touch the key of an unfiltered target move onto the
// local columns, so partially named keys ({org: 1} or {id: 10}) narrow
// without a subquery. A filtered target always goes through the subquery so
// its hidden rows never match.
func (t *Translator) owningNested(rel *schema.Relationship, pred map[string]any, opts FilterOptions) (*PredicateGroup, error) {
	target := rel.TargetEntity()
	inner, err := t.translate(target, pred, opts)
	if err != nil {
		return nil, err
	}
	inner = Simplify(inner)

	if !t.filtered(target, opts) {
		if rewritten, ok := rewriteOntoLocal(inner, rel); ok {
			return rewritten, nil
		}
	}

	where, err := t.applyFilters(target, inner, opts)
	if err != nil {
		return nil, err
	}
	group := NewPredicateGroup(false)
	group.AddCondition(inSubquery(rel.LocalColumns(), OpIn, target, rel.ReferencedColumns(), where))
	return group, nil
}

// rewriteOntoLocal maps conditions on the target's key columns to the
// relationship's local columns. It fails if anything else is constrained.
func rewriteOntoLocal(inner *PredicateGroup, rel *schema.Relationship) (*PredicateGroup, bool) {
	if inner.Or || inner.Not || len(inner.Groups) > 0 {
		return nil, false
	}
	out := NewPredicateGroup(false)
	for _, cond := range inner.Conditions {
		if !cond.IsSimple() {
			return nil, false
		}
		if _, ok := rel.LocalFor(cond.Field); !ok {
			return nil, false
		}
	}
	// Emit in join column order so every spelling of a key renders alike
	for _, jc := range rel.JoinColumns {
		for _, cond := range inner.Conditions {
			if cond.Field != jc.Referenced {
				continue
			}
			rewritten := *cond
			rewritten.Field = jc.Local
			out.AddCondition(&rewritten)
		}
	}
	return out, true
}

// inverse translates a value under an inverse relationship into a
// subquery on the owning side
func (t *Translator) inverse(rel *schema.Relationship, value any, opts FilterOptions) (*PredicateGroup, error) {
	owning := rel.Mirror()
	if owning == nil {
		return nil, fmt.Errorf("%w: %s", schema.ErrNotLinked, rel)
	}
	target := rel.TargetEntity()
	outer := owning.ReferencedColumns()
	inner := owning.LocalColumns()
	group := NewPredicateGroup(false)

	if value == nil {
		where, err := t.applyFilters(target, nullGroup(owning.OwnedColumns(), OpIsNotNull), opts)
		if err != nil {
			return nil, err
		}
		group.AddCondition(inSubquery(outer, OpNotIn, target, inner, where))
		return group, nil
	}

	var cond *PredicateGroup
	if pred, ok := asPredicate(value); ok {
		if ops, ok := relationOperators(pred); ok {
			return t.operators(rel, ops, opts, t.inverse)
		}
		translated, err := t.translate(target, pred, opts)
		if err != nil {
			return nil, err
		}
		cond = Simplify(translated)
	} else {
		keys, single, err := t.keyValues(rel, value)
		if err != nil {
			return nil, err
		}
		keyCols := target.KeyColumns()
		if single {
			cond = ColumnsEqual(keyCols[:len(keys[0])], keys[0])
		} else {
			cond = NewPredicateGroup(false)
			cond.AddCondition(ColumnsIn(keyCols, keyTuples(keys)))
		}
	}

	where, err := t.applyFilters(target, cond, opts)
	if err != nil {
		return nil, err
	}
	group.AddCondition(inSubquery(outer, OpIn, target, inner, where))
	return group, nil
}

type relationTranslator func(rel *schema.Relationship, value any, opts FilterOptions) (*PredicateGroup, error)

// operators handles {$eq, $ne, $in, $nin} under a relationship key
func (t *Translator) operators(rel *schema.Relationship, ops map[string]any, opts FilterOptions, next relationTranslator) (*PredicateGroup, error) {
	group := NewPredicateGroup(false)
	for _, op := range sortedKeys(ops) {
		v := ops[op]
		var (
			g   *PredicateGroup
			err error
		)
		switch op {
		case "$eq":
			g, err = next(rel, v, opts)
		case "$ne":
			g, err = next(rel, v, opts)
			if err == nil {
				g = negate(g)
			}
		case "$in", "$nin":
			list, ok := toList(v)
			if !ok {
				return nil, fmt.Errorf("%w: %s on %s requires a list", ErrInvalidValue, op, rel)
			}
			g, err = next(rel, keySet(list), opts)
			if err == nil && op == "$nin" {
				g = negate(g)
			}
		default:
			return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedOperator, op, rel)
		}
		if err != nil {
			return nil, err
		}
		group.AddGroup(g)
	}
	return group, nil
}

// keySet marks a list as a set of keys so it is never read as one tuple
type keySet []any

// keyValues extracts one key (single) or a list of keys from a value
func (t *Translator) keyValues(rel *schema.Relationship, value any) ([]entity.Key, bool, error) {
	target := rel.TargetEntity()

	if items, ok := keyList(target, value); ok {
		keys := make([]entity.Key, 0, len(items))
		for _, item := range items {
			k, err := toKey(rel, target, item, false)
			if err != nil {
				return nil, false, err
			}
			keys = append(keys, k)
		}
		return keys, false, nil
	}

	k, err := toKey(rel, target, value, rel.AllowPartial)
	if err != nil {
		return nil, false, err
	}
	return []entity.Key{k}, true, nil
}

// keyList reports whether value is a list of keys rather than one key tuple
func keyList(target *schema.Entity, value any) ([]any, bool) {
	if set, ok := value.(keySet); ok {
		return []any(set), true
	}
	if _, ok := value.(entity.Key); ok {
		return nil, false
	}
	list, ok := toList(value)
	if !ok {
		return nil, false
	}
	if len(list) == 0 {
		return list, true
	}
	tuples := 0
	for _, item := range list {
		if _, isList := toList(item); isList || isKeyHandle(item) {
			tuples++
		}
	}
	if tuples == len(list) {
		return list, true
	}
	if tuples == 0 && target.KeyArity() == 1 {
		return list, true
	}
	return nil, false
}

// toKey converts a single key value into a flat key of the target
func toKey(rel *schema.Relationship, target *schema.Entity, value any, allowPartial bool) (entity.Key, error) {
	var values []any

	switch v := value.(type) {
	case *entity.Instance:
		if v == nil {
			return nil, fmt.Errorf("%w: nil instance for %s", ErrInvalidValue, rel)
		}
		if v.Name() != target.Name {
			return nil, fmt.Errorf("%w: %s expects %s, got %s", ErrInvalidValue, rel, target.Name, v.Name())
		}
		if v.Key().IsZero() {
			return nil, fmt.Errorf("%w: %s instance has no key", ErrInvalidValue, v.Name())
		}
		return v.Key(), nil
	case *entity.Reference:
		if v == nil || v.TargetKey() == nil {
			return nil, fmt.Errorf("%w: reference for %s has no key", ErrInvalidValue, rel)
		}
		if v.Relationship().Target != target.Name {
			return nil, fmt.Errorf("%w: %s expects a reference to %s", ErrInvalidValue, rel, target.Name)
		}
		return v.TargetKey(), nil
	case entity.Key:
		values = v
	default:
		list, ok := toList(value)
		if !ok {
			if target.KeyArity() == 1 {
				return entity.Key{value}, nil
			}
			return nil, fmt.Errorf("%w: %s given scalar %v for key %v of %s",
				ErrAmbiguousPartialKey, rel, value, target.KeyColumns(), target.Name)
		}
		values = list
	}

	k, err := flattenKey(rel, target, values)
	if err != nil {
		return nil, err
	}
	arity := target.KeyArity()
	switch {
	case len(k) == arity:
		return k, nil
	case allowPartial && len(k) > 0 && len(k) < arity:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %s given %d of %d key values for %v",
			ErrIncompletePartialKey, rel, len(k), arity, target.KeyColumns())
	}
}

// flattenKey expands structured keys such as [org, 10] or [[1], 10]
// whose components follow the target's primary key declaration
func flattenKey(rel *schema.Relationship, target *schema.Entity, values []any) (entity.Key, error) {
	structured := false
	for _, v := range values {
		if _, ok := toList(v); ok || isKeyHandle(v) {
			structured = true
			break
		}
	}
	if !structured {
		return entity.Key(values), nil
	}
	if len(values) != len(target.PrimaryKey) {
		return nil, fmt.Errorf("%w: %s given %d components for key %v of %s",
			ErrIncompletePartialKey, rel, len(values), target.PrimaryKey, target.Name)
	}

	out := make(entity.Key, 0, target.KeyArity())
	for i, component := range target.PrimaryKey {
		if target.HasProperty(component) {
			if _, ok := toList(values[i]); ok || isKeyHandle(values[i]) {
				return nil, fmt.Errorf("%w: key component %s.%s is a scalar", ErrInvalidValue, target.Name, component)
			}
			out = append(out, values[i])
			continue
		}
		keyRel, _ := target.Relationship(component)
		sub, err := toKey(keyRel, keyRel.TargetEntity(), values[i], false)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

func (t *Translator) filtered(target *schema.Entity, opts FilterOptions) bool {
	return t.filters != nil && t.filters.Active(target.Name, opts)
}

func (t *Translator) applyFilters(target *schema.Entity, where *PredicateGroup, opts FilterOptions) (*PredicateGroup, error) {
	if t.filters == nil {
		return where, nil
	}
	return t.filters.Apply(target.Name, where, opts)
}

func inSubquery(outer []string, op Operator, target *schema.Entity, columns []string, where *PredicateGroup) *Condition {
	cond := &Condition{
		Operator: op,
		Subquery: &Subquery{
			Entity:  target.Name,
			Table:   target.Table,
			Columns: columns,
			Where:   where,
		},
	}
	if len(outer) == 1 {
		cond.Field = outer[0]
	} else {
		cond.Fields = outer
	}
	return cond
}

func nullGroup(columns []string, op Operator) *PredicateGroup {
	group := NewPredicateGroup(false)
	for _, c := range columns {
		group.AddCondition(&Condition{Field: c, Operator: op})
	}
	return group
}

func negate(g *PredicateGroup) *PredicateGroup {
	out := g.Clone()
	out.Not = !out.Not
	return out
}

func keyTuples(keys []entity.Key) [][]any {
	out := make([][]any, len(keys))
	for i, k := range keys {
		out[i] = []any(k)
	}
	return out
}

// relationOperators reports whether a nested object is an operator map
func relationOperators(pred map[string]any) (map[string]any, bool) {
	if len(pred) == 0 {
		return nil, false
	}
	for key := range pred {
		switch key {
		case "$eq", "$ne", "$in", "$nin":
		default:
			return nil, false
		}
	}
	return pred, true
}

func isKeyHandle(v any) bool {
	switch v.(type) {
	case *entity.Instance, *entity.Reference, entity.Key:
		return true
	}
	return false
}

// asPredicate accepts Predicate and plain map values
func asPredicate(v any) (map[string]any, bool) {
	switch p := v.(type) {
	case Predicate:
		return p, true
	case map[string]any:
		return p, true
	}
	return nil, false
}

func predicateList(v any) ([]map[string]any, error) {
	switch items := v.(type) {
	case []Predicate:
		out := make([]map[string]any, len(items))
		for i, p := range items {
			out[i] = p
		}
		return out, nil
	case []map[string]any:
		return items, nil
	}
	list, ok := toList(v)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of predicates", ErrInvalidValue)
	}
	out := make([]map[string]any, len(list))
	for i, item := range list {
		p, ok := asPredicate(item)
		if !ok {
			return nil, fmt.Errorf("%w: item %d is not a predicate", ErrInvalidValue, i)
		}
		out[i] = p
	}
	return out, nil
}

// toList converts any slice or array except []byte into []any
func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil, []byte, string:
		return nil, false
	case []any:
		return t, true
	case keySet:
		return []any(t), true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Combinators last so property conditions lead the rendered SQL
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := strings.HasPrefix(keys[i], "$"), strings.HasPrefix(keys[j], "$")
		if ci != cj {
			return !ci
		}
		return keys[i] < keys[j]
	})
	return keys
}
