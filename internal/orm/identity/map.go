// Package identity provides the session-scoped identity map that keeps one
// in-memory instance per (entity, primary key).
package identity

import (
	"errors"
	"fmt"

	"github.com/conduit-lang/relkit/internal/orm/entity"
)

var (
	// ErrDuplicateIdentity is returned when a different instance already holds the key
	ErrDuplicateIdentity = errors.New("identity already registered")

	// ErrIncompleteKey is returned when an instance is registered without a full key
	ErrIncompleteKey = errors.New("incomplete primary key")
)

// Factory builds the instance for a key that is not cached yet
type Factory func() (*entity.Instance, error)

// Map caches instances by entity name and key. It belongs to a single
// session and is not safe for concurrent use.
type Map struct {
	entries map[string]map[string]*entity.Instance
	order   []*entity.Instance
}

// New creates an empty identity map
func New() *Map {
	return &Map{entries: make(map[string]map[string]*entity.Instance)}
}

// Get returns the cached instance for the key
func (m *Map) Get(entityName string, k entity.Key) (*entity.Instance, bool) {
	inst, ok := m.entries[entityName][k.String()]
	return inst, ok
}

// GetOrCreate returns the cached instance or invokes the factory and caches
// its result. The boolean is true when the factory ran.
func (m *Map) GetOrCreate(entityName string, k entity.Key, factory Factory) (*entity.Instance, bool, error) {
	if inst, ok := m.Get(entityName, k); ok {
		return inst, false, nil
	}
	if k.IsZero() {
		return nil, false, fmt.Errorf("%w: %s %s", ErrIncompleteKey, entityName, k)
	}
	inst, err := factory()
	if err != nil {
		return nil, false, err
	}
	m.store(entityName, k, inst)
	return inst, true, nil
}

// Add registers an instance under its bound key
func (m *Map) Add(inst *entity.Instance) error {
	k := inst.Key()
	if k.IsZero() {
		return fmt.Errorf("%w: %s %s", ErrIncompleteKey, inst.Name(), k)
	}
	if existing, ok := m.Get(inst.Name(), k); ok {
		if existing == inst {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, inst)
	}
	m.store(inst.Name(), k, inst)
	return nil
}

func (m *Map) store(entityName string, k entity.Key, inst *entity.Instance) {
	bucket, ok := m.entries[entityName]
	if !ok {
		bucket = make(map[string]*entity.Instance)
		m.entries[entityName] = bucket
	}
	bucket[k.String()] = inst
	m.order = append(m.order, inst)
}

// Remove drops an instance from the map without detaching it
func (m *Map) Remove(inst *entity.Instance) {
	bucket, ok := m.entries[inst.Name()]
	if !ok {
		return
	}
	hash := inst.Key().String()
	if bucket[hash] != inst {
		return
	}
	delete(bucket, hash)
	for n, cached := range m.order {
		if cached == inst {
			m.order = append(m.order[:n], m.order[n+1:]...)
			break
		}
	}
}

// Len returns the number of cached instances
func (m *Map) Len() int {
	return len(m.order)
}

// Each visits cached instances in registration order until fn returns false
func (m *Map) Each(fn func(*entity.Instance) bool) {
	for _, inst := range m.order {
		if !fn(inst) {
			return
		}
	}
}

// Clear detaches every cached instance and empties the map
func (m *Map) Clear() {
	for _, inst := range m.order {
		inst.Detach()
	}
	m.entries = make(map[string]map[string]*entity.Instance)
	m.order = nil
}
