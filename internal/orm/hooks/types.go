package hooks

import (
	"context"
	"sync"

	"github.com/conduit-lang/relkit/internal/orm/entity"
)

// Event is a point in an instance's write lifecycle
type Event int

const (
	BeforeInsert Event = iota
	AfterInsert
	BeforeUpdate
	AfterUpdate
)

func (e Event) String() string {
	switch e {
	case BeforeInsert:
		return "before_insert"
	case AfterInsert:
		return "after_insert"
	case BeforeUpdate:
		return "before_update"
	case AfterUpdate:
		return "after_update"
	default:
		return "unknown"
	}
}

// IsAfter reports whether the event fires once the write is committed
func (e Event) IsAfter() bool {
	return e == AfterInsert || e == AfterUpdate
}

// AnyEntity registers a hook for every entity
const AnyEntity = "*"

// Func runs synchronously against the live instance. Before-hooks may
// modify it and abort the flush by returning an error.
type Func func(ctx context.Context, inst *entity.Instance) error

// DeferredFunc runs on the async queue against a copy of the written columns
type DeferredFunc func(ctx context.Context, rec Record) error

// Record is the detached view of an instance handed to deferred hooks
type Record struct {
	Entity  string
	Key     entity.Key
	Columns map[string]any
}

// Hook is a registered lifecycle hook. Exactly one of Fn and Deferred is
// set; Deferred hooks only fire on after-events.
type Hook struct {
	Name     string
	Fn       Func
	Deferred DeferredFunc
}

// IsAsync reports whether the hook runs on the async queue
func (h *Hook) IsAsync() bool {
	return h.Deferred != nil
}

type registration struct {
	entity string
	event  Event
}

// Registry holds hooks by entity and event. Hooks for AnyEntity run
// before the entity's own hooks, each group in registration order.
type Registry struct {
	mu    sync.RWMutex
	hooks map[registration][]*Hook
}

// NewRegistry creates an empty hook registry
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[registration][]*Hook)}
}

// Register adds a hook for an entity (or AnyEntity) and event
func (r *Registry) Register(entityName string, event Event, hook *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registration{entity: entityName, event: event}
	r.hooks[k] = append(r.hooks[k], hook)
}

// Hooks returns the hooks that fire for an entity on an event
func (r *Registry) Hooks(entityName string, event Event) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	global := r.hooks[registration{entity: AnyEntity, event: event}]
	own := r.hooks[registration{entity: entityName, event: event}]
	if entityName == AnyEntity {
		own = nil
	}
	out := make([]*Hook, 0, len(global)+len(own))
	out = append(out, global...)
	return append(out, own...)
}

// HasHooks returns true if any entity has a hook for the event
func (r *Registry) HasHooks(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, hooks := range r.hooks {
		if k.event == event && len(hooks) > 0 {
			return true
		}
	}
	return false
}
