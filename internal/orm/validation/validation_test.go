package validation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/hooks"
	"github.com/conduit-lang/relkit/internal/orm/schema/schematest"
)

var registry = schematest.Registry()

func newInstance(t *testing.T, name string, values map[string]any) *entity.Instance {
	t.Helper()
	meta, err := registry.Resolve(name)
	require.NoError(t, err)
	inst := entity.NewInstance(meta, nil)
	for k, v := range values {
		require.NoError(t, inst.Set(k, v))
	}
	k, err := inst.ComputeKey()
	require.NoError(t, err)
	if !k.IsZero() {
		inst.BindKey(k)
	}
	return inst
}

func TestValidationErrors(t *testing.T) {
	ve := NewValidationErrors("User(1|12)")
	assert.False(t, ve.HasErrors())
	assert.Equal(t, "validation failed for User(1|12)", ve.Error())

	ve.Add("name", "is required")
	assert.Equal(t, "validation failed for User(1|12): name: is required", ve.Error())

	ve.Add("email", "is required")
	ve.Add("name", "is too short")
	assert.Equal(t, 3, ve.Count())
	assert.Equal(t, "validation failed for User(1|12):\n  - email: is required\n  - name: is required\n  - name: is too short", ve.Error())

	var err error = ve
	assert.True(t, errors.Is(err, ErrValidation))

	data, err := json.Marshal(ve)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"error": "validation_failed",
		"instance": "User(1|12)",
		"fields": {"email": ["is required"], "name": ["is required", "is too short"]}
	}`, string(data))

	var zero ValidationErrors
	zero.Add("id", "is required")
	assert.True(t, zero.HasErrors())
}

func TestRequired(t *testing.T) {
	org := newInstance(t, "Organisation", map[string]any{"id": 1, "name": "acme"})

	tests := []struct {
		name   string
		entity string
		values map[string]any
		fields []string
	}{
		{
			name:   "complete organisation",
			entity: "Organisation",
			values: map[string]any{"id": 1, "name": "acme"},
		},
		{
			name:   "missing property",
			entity: "Organisation",
			values: map[string]any{"id": 1},
			fields: []string{"name"},
		},
		{
			name:   "nullable property may be null",
			entity: "Workspace",
			values: map[string]any{"org": org, "id": 10, "name": "w1"},
		},
		{
			name:   "missing required relationship",
			entity: "Workspace",
			values: map[string]any{"id": 10, "name": "w1"},
			fields: []string{"org"},
		},
		{
			name:   "nullable relationships may be empty",
			entity: "User",
			values: map[string]any{"org": org, "id": 12, "name": "user1"},
		},
		{
			name:   "request needs its user",
			entity: "Request",
			values: map[string]any{"org": org, "id": 20},
			fields: []string{"name", "user"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Required(newInstance(t, tt.entity, tt.values))
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationErrors
			require.ErrorAs(t, err, &ve)
			for _, f := range tt.fields {
				assert.Contains(t, ve.Fields, f)
			}
			assert.Len(t, ve.Fields, len(tt.fields))
		})
	}
}

func TestRegister(t *testing.T) {
	r := hooks.NewRegistry()
	Register(r)

	for _, event := range []hooks.Event{hooks.BeforeInsert, hooks.BeforeUpdate} {
		got := r.Hooks("User", event)
		require.Len(t, got, 1, event.String())
		assert.Equal(t, "required", got[0].Name)
	}
	assert.False(t, r.HasHooks(hooks.AfterInsert))

	inst := newInstance(t, "Organisation", map[string]any{"id": 1})
	err := hooks.NewExecutor(r, nil, nil).Run(context.Background(), hooks.BeforeInsert, []*entity.Instance{inst})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, hooks.ErrHookFailed)
}
