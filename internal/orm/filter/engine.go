// Package filter holds named row filters, such as soft delete, that are
// ANDed into every fetch of their entity unless disabled per query.
package filter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// Param marks a value in a filter condition that is supplied per query
type Param string

// Definition declares a filter on one entity. Cond may only reference
// properties of the entity; values may be Params.
type Definition struct {
	Name    string
	Entity  string
	Cond    query.Predicate
	Default bool
}

// compiled is a definition with its condition translated to columns
type compiled struct {
	def    Definition
	group  *query.PredicateGroup
	params []string
}

// Engine stores filter definitions and applies them to fetches.
// It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	registry *schema.Registry
	byEntity map[string][]*compiled
	enabled  map[string]bool
}

// NewEngine creates an engine validating definitions against registry
func NewEngine(registry *schema.Registry) *Engine {
	return &Engine{
		registry: registry,
		byEntity: make(map[string][]*compiled),
		enabled:  make(map[string]bool),
	}
}

// Register compiles and stores a filter definition
func (e *Engine) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("filter on %s has no name", def.Entity)
	}
	meta, err := e.registry.Resolve(def.Entity)
	if err != nil {
		return fmt.Errorf("filter %s: %w", def.Name, err)
	}
	group, err := query.PropertyConditions(meta, def.Cond)
	if err != nil {
		return fmt.Errorf("filter %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.byEntity[def.Entity] {
		if c.def.Name == def.Name {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateFilter, def.Name, def.Entity)
		}
	}
	e.byEntity[def.Entity] = append(e.byEntity[def.Entity], &compiled{
		def:    def,
		group:  group,
		params: collectParams(group),
	})
	if _, ok := e.enabled[def.Name]; !ok {
		e.enabled[def.Name] = def.Default
	}
	return nil
}

// Enable turns a filter on for every query that does not override it
func (e *Engine) Enable(name string) error {
	return e.toggle(name, true)
}

// Disable turns a filter off for every query that does not override it
func (e *Engine) Disable(name string) error {
	return e.toggle(name, false)
}

func (e *Engine) toggle(name string, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.enabled[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	e.enabled[name] = on
	return nil
}

// IsEnabled reports the global state of a filter
func (e *Engine) IsEnabled(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled[name]
}

// Definitions returns the filters of an entity in registration order
func (e *Engine) Definitions(entityName string) []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, 0, len(e.byEntity[entityName]))
	for _, c := range e.byEntity[entityName] {
		out = append(out, c.def)
	}
	return out
}

// Names returns every registered filter name, sorted
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.enabled))
	for name := range e.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply ANDs every active filter of the entity into base. base itself is
// never modified. Per-query switches in opts override the global state.
func (e *Engine) Apply(entityName string, base *query.PredicateGroup, opts query.FilterOptions) (*query.PredicateGroup, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	groups := []*query.PredicateGroup{base}
	for _, c := range e.byEntity[entityName] {
		if !e.active(c, opts) {
			continue
		}
		bound, err := bind(c, opts.Params[c.def.Name])
		if err != nil {
			return nil, err
		}
		groups = append(groups, bound)
	}
	if len(groups) == 1 {
		return base, nil
	}
	return query.And(groups...), nil
}

// Active reports whether any filter of the entity applies under opts
func (e *Engine) Active(entityName string, opts query.FilterOptions) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.byEntity[entityName] {
		if e.active(c, opts) {
			return true
		}
	}
	return false
}

func (e *Engine) active(c *compiled, opts query.FilterOptions) bool {
	if on, ok := opts.Enabled[c.def.Name]; ok {
		return on
	}
	return e.enabled[c.def.Name]
}

// bind substitutes parameter values into a copy of the filter's conditions
func bind(c *compiled, args map[string]any) (*query.PredicateGroup, error) {
	for _, name := range c.params {
		if _, ok := args[name]; !ok {
			return nil, fmt.Errorf("%w: %s of filter %s on %s", ErrMissingParam, name, c.def.Name, c.def.Entity)
		}
	}
	if len(c.params) == 0 {
		return c.group, nil
	}
	return substituteArguments(c.group, args), nil
}

func substituteArguments(pg *query.PredicateGroup, args map[string]any) *query.PredicateGroup {
	out := &query.PredicateGroup{
		Conditions: make([]*query.Condition, 0, len(pg.Conditions)),
		Groups:     make([]*query.PredicateGroup, 0, len(pg.Groups)),
		Or:         pg.Or,
		Not:        pg.Not,
	}
	for _, cond := range pg.Conditions {
		bound := *cond
		bound.Value = substituteValue(cond.Value, args)
		out.Conditions = append(out.Conditions, &bound)
	}
	for _, g := range pg.Groups {
		out.Groups = append(out.Groups, substituteArguments(g, args))
	}
	return out
}

func substituteValue(v any, args map[string]any) any {
	switch t := v.(type) {
	case Param:
		return args[string(t)]
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, args)
		}
		return out
	}
	return v
}

func collectParams(pg *query.PredicateGroup) []string {
	seen := make(map[string]bool)
	var out []string
	var walkValue func(v any)
	walkValue = func(v any) {
		switch t := v.(type) {
		case Param:
			if !seen[string(t)] {
				seen[string(t)] = true
				out = append(out, string(t))
			}
		case []any:
			for _, item := range t {
				walkValue(item)
			}
		}
	}
	var walk func(g *query.PredicateGroup)
	walk = func(g *query.PredicateGroup) {
		for _, cond := range g.Conditions {
			walkValue(cond.Value)
		}
		for _, sub := range g.Groups {
			walk(sub)
		}
	}
	walk(pg)
	return out
}
