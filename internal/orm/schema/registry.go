package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry manages all entity metadata in the application.
//
// Registration is two-phase: Register stores and structurally validates each
// entity, then Link resolves relationship targets by name and checks
// cross-entity consistency. Checks whose targets are already registered run
// during Register so contradictions surface as early as possible.
type Registry struct {
	entities map[string]*Entity
	order    []string
	linked   bool
	mu       sync.RWMutex
}

// NewRegistry creates a new schema registry
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]*Entity),
	}
}

// Register registers a new entity
func (r *Registry) Register(entity *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entity == nil || entity.Name == "" {
		return fmt.Errorf("%w: entity name is required", ErrInvalidMapping)
	}
	if _, exists := r.entities[entity.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, entity.Name)
	}

	entity.index()
	if err := validateStructural(entity); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", entity.Name, err)
	}

	r.entities[entity.Name] = entity
	r.order = append(r.order, entity.Name)
	r.linked = false

	// Targets registered earlier can be checked right away; anything that
	// still points at an unregistered entity waits for Link.
	if err := r.linkEntity(entity, true); err != nil {
		delete(r.entities, entity.Name)
		r.order = r.order[:len(r.order)-1]
		return fmt.Errorf("schema validation failed for %s: %w", entity.Name, err)
	}

	return nil
}

// MustRegister registers entities and panics on error (useful for fixtures)
func (r *Registry) MustRegister(entities ...*Entity) *Registry {
	for _, e := range entities {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

// Link resolves every relationship against the registered entities.
// It must succeed before the registry is used by a session.
func (r *Registry) Link() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range r.order {
		if err := r.linkEntity(r.entities[name], false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("relationship validation failed: %w", errors.Join(errs...))
	}

	r.linked = true
	return nil
}

// IsLinked returns true once Link has succeeded with no later registrations
func (r *Registry) IsLinked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.linked
}

// Resolve retrieves an entity by name
func (r *Registry) Resolve(name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entity, exists := r.entities[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return entity, nil
}

// Exists checks if an entity is registered
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.entities[name]
	return exists
}

// Names returns entity names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Entities returns a copy of all registered entities
func (r *Registry) Entities() map[string]*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Entity, len(r.entities))
	for k, v := range r.entities {
		result[k] = v
	}
	return result
}

// Count returns the number of registered entities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entities)
}

// DependencyOrder returns entity names with dependencies first (safe insert order)
func (r *Registry) DependencyOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph := NewRelationshipGraph(r.entities)
	return graph.TopologicalSort()
}

// DetectCycles reports owning-relationship cycles between entities
func (r *Registry) DetectCycles() [][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return NewRelationshipGraph(r.entities).DetectCycles()
}

// validateStructural checks an entity in isolation
func validateStructural(e *Entity) error {
	if len(e.PrimaryKey) == 0 {
		return fmt.Errorf("%w: %s has no primary key", ErrInvalidMapping, e.Name)
	}

	names := make(map[string]bool)
	for _, p := range e.Properties {
		if p.Name == "" {
			return fmt.Errorf("%w: property name is required", ErrInvalidMapping)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidMapping, p.Name)
		}
		names[p.Name] = true
	}
	for _, rel := range e.Relationships {
		if rel.Name == "" {
			return fmt.Errorf("%w: relationship name is required", ErrInvalidMapping)
		}
		if names[rel.Name] {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidMapping, rel.Name)
		}
		names[rel.Name] = true

		if rel.Target == "" {
			return fmt.Errorf("%w: relationship %s has no target", ErrInvalidMapping, rel)
		}
		switch rel.Ownership {
		case Owning:
			if rel.Kind != ToOne {
				return fmt.Errorf("%w: owning relationship %s must be to-one", ErrInvalidMapping, rel)
			}
			if rel.MappedBy != "" {
				return fmt.Errorf("%w: owning relationship %s cannot declare mapped_by", ErrInvalidMapping, rel)
			}
		case Inverse:
			if rel.MappedBy == "" {
				return fmt.Errorf("%w: inverse relationship %s must declare mapped_by", ErrInvalidMapping, rel)
			}
			if len(rel.JoinColumns) > 0 {
				return fmt.Errorf("%w: inverse relationship %s cannot declare join columns", ErrInvalidMapping, rel)
			}
		}
	}

	for _, pk := range e.PrimaryKey {
		if _, ok := e.properties[pk]; ok {
			continue
		}
		rel, ok := e.relationships[pk]
		if !ok {
			return fmt.Errorf("%w: primary key component %s is not a member of %s", ErrInvalidMapping, pk, e.Name)
		}
		if !rel.IsOwning() || rel.Kind != ToOne {
			return fmt.Errorf("%w: primary key component %s must be an owning to-one relationship", ErrInvalidMapping, rel)
		}
	}

	propertyColumns := make(map[string]string)
	for _, p := range e.Properties {
		if other, ok := propertyColumns[p.Column]; ok {
			return fmt.Errorf("%w: properties %s and %s share column %s", ErrInvalidMapping, other, p.Name, p.Column)
		}
		propertyColumns[p.Column] = p.Name
	}
	for _, rel := range e.Relationships {
		for _, jc := range rel.JoinColumns {
			if prop, ok := propertyColumns[jc.Local]; ok {
				return fmt.Errorf("%w: join column %s of %s collides with property %s", ErrInvalidMapping, jc.Local, rel, prop)
			}
		}
	}

	return nil
}

// linkEntity resolves the key columns and relationships of one entity.
// With lenient set, relationships pointing at entities that are not
// registered yet are skipped and inverse sides are only checked, not wired.
// Caller must hold the write lock.
func (r *Registry) linkEntity(e *Entity, lenient bool) error {
	skip := func(err error) bool {
		return lenient && errors.Is(err, ErrUnknownEntity)
	}

	if err := r.resolveKey(e, map[string]bool{}); err != nil && !skip(err) {
		return err
	}
	for _, rel := range e.Relationships {
		if rel.IsOwning() {
			if err := r.linkOwning(rel, map[string]bool{}); err != nil && !skip(err) {
				return err
			}
		}
	}
	for _, rel := range e.Relationships {
		if !rel.IsOwning() {
			if err := r.linkInverse(rel, !lenient); err != nil && !skip(err) {
				return err
			}
		}
	}
	return nil
}

// resolveKey flattens the primary key, linking key relationships first
func (r *Registry) resolveKey(e *Entity, visiting map[string]bool) error {
	if e.keyResolved {
		return nil
	}
	if visiting[e.Name] {
		return fmt.Errorf("%w: primary key of %s references itself", ErrInvalidMapping, e.Name)
	}
	visiting[e.Name] = true
	defer delete(visiting, e.Name)

	for _, pk := range e.PrimaryKey {
		if rel, ok := e.relationships[pk]; ok {
			if err := r.linkOwning(rel, visiting); err != nil {
				return err
			}
		}
	}
	e.computeKeyColumns()
	return nil
}

// linkOwning normalises join columns into target key order and checks arity
func (r *Registry) linkOwning(rel *Relationship, visiting map[string]bool) error {
	if rel.linked {
		return nil
	}
	target, ok := r.entities[rel.Target]
	if !ok {
		return fmt.Errorf("%w: %s targets %s", ErrUnknownEntity, rel, rel.Target)
	}
	if err := r.resolveKey(target, visiting); err != nil {
		return err
	}
	targetCols := target.keyColumns

	if len(rel.JoinColumns) == 0 {
		if len(targetCols) != 1 {
			return fmt.Errorf("%w: %s targets composite key %v and needs explicit join columns",
				ErrInvalidMapping, rel, targetCols)
		}
		rel.JoinColumns = []JoinColumn{{Local: toSnakeCase(rel.Name) + "_id", Referenced: targetCols[0]}}
	}

	if len(rel.JoinColumns) != len(targetCols) {
		return fmt.Errorf("%w: %s maps %d columns but %s has a key of arity %d",
			ErrInvalidMapping, rel, len(rel.JoinColumns), target.Name, len(targetCols))
	}

	explicit := false
	for _, jc := range rel.JoinColumns {
		if jc.Local == "" {
			return fmt.Errorf("%w: %s has an empty local join column", ErrInvalidMapping, rel)
		}
		if jc.Referenced != "" {
			explicit = true
		}
	}

	ordered := make([]JoinColumn, len(targetCols))
	if !explicit {
		for i, jc := range rel.JoinColumns {
			ordered[i] = JoinColumn{Local: jc.Local, Referenced: targetCols[i]}
		}
	} else {
		byRef := make(map[string]JoinColumn, len(rel.JoinColumns))
		for _, jc := range rel.JoinColumns {
			if _, dup := byRef[jc.Referenced]; dup {
				return fmt.Errorf("%w: %s references %s twice", ErrInvalidMapping, rel, jc.Referenced)
			}
			byRef[jc.Referenced] = jc
		}
		for i, col := range targetCols {
			jc, ok := byRef[col]
			if !ok {
				return fmt.Errorf("%w: %s does not map key column %s.%s", ErrInvalidMapping, rel, target.Name, col)
			}
			ordered[i] = jc
		}
	}

	locals := make(map[string]bool, len(ordered))
	for _, jc := range ordered {
		if locals[jc.Local] {
			return fmt.Errorf("%w: %s maps local column %s twice", ErrInvalidMapping, rel, jc.Local)
		}
		locals[jc.Local] = true
	}

	for _, own := range rel.OwnColumns {
		if !locals[own] {
			return fmt.Errorf("%w: %s owns column %s which is not one of its join columns", ErrInvalidMapping, rel, own)
		}
	}

	rel.JoinColumns = ordered
	rel.target = target
	rel.linked = true
	return nil
}

// linkInverse checks an inverse relationship against the owning side it
// mirrors and, when apply is set, wires both directions
func (r *Registry) linkInverse(rel *Relationship, apply bool) error {
	if rel.linked {
		return nil
	}
	target, ok := r.entities[rel.Target]
	if !ok {
		return fmt.Errorf("%w: %s targets %s", ErrUnknownEntity, rel, rel.Target)
	}
	owning, ok := target.relationships[rel.MappedBy]
	if !ok {
		return fmt.Errorf("%w: %s is mapped by unknown relationship %s.%s",
			ErrInvalidMapping, rel, target.Name, rel.MappedBy)
	}
	if !owning.IsOwning() {
		return fmt.Errorf("%w: %s is mapped by %s which is not an owning relationship",
			ErrInvalidMapping, rel, owning)
	}
	if owning.Target != rel.owner.Name {
		return fmt.Errorf("%w: %s is mapped by %s which targets %s",
			ErrInvalidMapping, rel, owning, owning.Target)
	}
	if owning.mirror != nil && owning.mirror != rel {
		return fmt.Errorf("%w: %s is already mirrored by %s", ErrInvalidMapping, owning, owning.mirror)
	}
	if !apply {
		return nil
	}

	rel.target = target
	rel.mirror = owning
	owning.mirror = rel
	rel.linked = true
	return nil
}

// sortedNames returns map keys in a stable order
func sortedNames(entities map[string]*Entity) []string {
	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
