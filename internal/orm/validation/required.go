// Package validation checks instances before they are written.
package validation

import (
	"context"

	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/hooks"
)

// Required reports every non-nullable property that is null and every
// non-nullable owning relationship without a target. It returns nil or a
// *ValidationErrors.
func Required(inst *entity.Instance) error {
	meta := inst.Entity()
	values, err := inst.Values()
	if err != nil {
		return err
	}
	cols, err := inst.Columns()
	if err != nil {
		return err
	}

	ve := NewValidationErrors(inst.String())
	for _, p := range meta.Properties {
		if !p.Nullable && values[p.Name] == nil {
			ve.Add(p.Name, "is required")
		}
	}
	for _, rel := range meta.Relationships {
		if !rel.IsOwning() || rel.Nullable {
			continue
		}
		for _, local := range rel.LocalColumns() {
			if cols[local] == nil {
				ve.Add(rel.Name, "is required")
				break
			}
		}
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// Hook wraps Required as a lifecycle hook
func Hook() *hooks.Hook {
	return &hooks.Hook{
		Name: "required",
		Fn: func(ctx context.Context, inst *entity.Instance) error {
			return Required(inst)
		},
	}
}

// Register runs Required for every entity before inserts and updates
func Register(r *hooks.Registry) {
	r.Register(hooks.AnyEntity, hooks.BeforeInsert, Hook())
	r.Register(hooks.AnyEntity, hooks.BeforeUpdate, Hook())
}
