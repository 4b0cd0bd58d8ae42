package entity

import (
	"context"
	"fmt"

	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// Reference is the handle of a to-one relationship. It is either
// Unloaded(key) or Loaded(instance); a loaded reference may hold no
// instance when the relationship is empty or its target is filtered out.
type Reference struct {
	owner   *Instance
	rel     *schema.Relationship
	key     Key
	target  *Instance
	loaded  bool
	cleared bool
}

// Owner returns the instance holding the reference
func (r *Reference) Owner() *Instance {
	return r.owner
}

// Relationship returns the relationship metadata
func (r *Reference) Relationship() *schema.Relationship {
	return r.rel
}

// IsLoaded returns true once the reference has been resolved
func (r *Reference) IsLoaded() bool {
	return r.loaded
}

// TargetKey returns the key of the referenced entity, nil when unknown.
// Inverse references only know it once loaded.
func (r *Reference) TargetKey() Key {
	if r.target != nil {
		return r.target.Key()
	}
	return r.key
}

// Get returns the loaded instance without loading. The second result is
// false while the reference is unloaded.
func (r *Reference) Get() (*Instance, bool) {
	return r.target, r.loaded
}

// Load resolves the reference through the owner's session and returns the
// target, or nil when there is none. Repeat calls return the cached result.
func (r *Reference) Load(ctx context.Context) (*Instance, error) {
	if err := r.owner.checkAttached(); err != nil {
		return nil, err
	}
	if r.loaded {
		return r.target, nil
	}
	if r.owner.loader == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLoader, r.rel)
	}
	if err := r.owner.loader.LoadReference(ctx, r); err != nil {
		return nil, err
	}
	return r.target, nil
}

// Resolve marks the reference Loaded. Loaders call it only after the
// target has been fully materialised.
func (r *Reference) Resolve(target *Instance) {
	r.target = target
	r.loaded = true
	if target != nil && r.rel.IsOwning() {
		r.key = nil
	}
}

// assign points the reference at an instance (or at nothing) explicitly
func (r *Reference) assign(target *Instance) {
	r.target = target
	r.key = nil
	r.loaded = true
	r.cleared = target == nil
}

// reset makes the reference Unloaded(key)
func (r *Reference) reset(k Key) {
	r.target = nil
	r.key = k
	r.loaded = false
	r.cleared = false
}

// String returns a short description for logs
func (r *Reference) String() string {
	switch {
	case r.target != nil:
		return fmt.Sprintf("Ref<%s>(%s)", r.rel.Target, r.target.Key())
	case r.loaded:
		return fmt.Sprintf("Ref<%s>(none)", r.rel.Target)
	default:
		return fmt.Sprintf("Ref<%s>(unloaded %s)", r.rel.Target, r.key)
	}
}
