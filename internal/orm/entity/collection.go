package entity

import (
	"context"
	"fmt"

	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// Collection is the handle of a to-many relationship: Unloaded(owner) or
// Loaded(ordered instances)
type Collection struct {
	owner  *Instance
	rel    *schema.Relationship
	items  []*Instance
	loaded bool
}

// Owner returns the instance holding the collection
func (c *Collection) Owner() *Instance {
	return c.owner
}

// Relationship returns the relationship metadata
func (c *Collection) Relationship() *schema.Relationship {
	return c.rel
}

// IsInitialized returns true once the collection has been loaded
func (c *Collection) IsInitialized() bool {
	return c.loaded
}

// Items returns the loaded instances
func (c *Collection) Items() ([]*Instance, error) {
	if err := c.owner.checkAttached(); err != nil {
		return nil, err
	}
	if !c.loaded {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, c.rel)
	}
	out := make([]*Instance, len(c.items))
	copy(out, c.items)
	return out, nil
}

// Len returns the number of loaded items, zero while unloaded
func (c *Collection) Len() int {
	return len(c.items)
}

// Contains reports whether the instance is in the loaded items
func (c *Collection) Contains(inst *Instance) bool {
	return containsInstance(c.items, inst)
}

// Load fetches the collection once; later calls return the cached items
func (c *Collection) Load(ctx context.Context) ([]*Instance, error) {
	return c.load(ctx, false)
}

// Refresh reloads the collection even when it is already initialised
func (c *Collection) Refresh(ctx context.Context) ([]*Instance, error) {
	return c.load(ctx, true)
}

func (c *Collection) load(ctx context.Context, refresh bool) ([]*Instance, error) {
	if err := c.owner.checkAttached(); err != nil {
		return nil, err
	}
	if c.loaded && !refresh {
		return c.Items()
	}
	if c.owner.loader == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLoader, c.rel)
	}
	if err := c.owner.loader.LoadCollection(ctx, c, refresh); err != nil {
		return nil, err
	}
	return c.Items()
}

// Resolve replaces the state with Loaded(items). Instances added to an
// initialised collection since its last load that are not in items yet
// (created and not flushed) are kept at the end.
func (c *Collection) Resolve(items []*Instance) {
	next := make([]*Instance, 0, len(items))
	next = append(next, items...)
	if c.loaded {
		for _, existing := range c.items {
			if existing.IsNew() && !containsInstance(next, existing) {
				next = append(next, existing)
			}
		}
	}
	c.items = next
	c.loaded = true
}

func (c *Collection) remove(inst *Instance) {
	for n, item := range c.items {
		if item == inst {
			c.items = append(c.items[:n], c.items[n+1:]...)
			return
		}
	}
}

func containsInstance(items []*Instance, inst *Instance) bool {
	for _, item := range items {
		if item == inst {
			return true
		}
	}
	return false
}

// String returns a short description for logs
func (c *Collection) String() string {
	if !c.loaded {
		return fmt.Sprintf("Collection<%s>(unloaded)", c.rel.Target)
	}
	return fmt.Sprintf("Collection<%s>(%d)", c.rel.Target, len(c.items))
}
