package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/conduit-lang/relkit/internal/orm/datasource/memory"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/hooks"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema/schematest"
	"github.com/conduit-lang/relkit/internal/orm/validation"
)

func newHookedSession(t *testing.T, registry *hooks.Registry, logger *zap.Logger) (*Session, *recorder) {
	t.Helper()
	source := &recorder{Store: memory.New()}
	s, err := New(Options{
		Registry: schematest.Registry(),
		Source:   source,
		Logger:   logger,
		Hooks:    hooks.NewExecutor(registry, nil, logger),
	})
	require.NoError(t, err)
	return s, source
}

func TestSession_FlushHooks(t *testing.T) {
	ctx := context.Background()

	t.Run("before and after events", func(t *testing.T) {
		r := hooks.NewRegistry()
		var events []string
		record := func(event string) hooks.Func {
			return func(ctx context.Context, inst *entity.Instance) error {
				events = append(events, event+" "+inst.String())
				return nil
			}
		}
		r.Register("Organisation", hooks.BeforeInsert, &hooks.Hook{Name: "upper", Fn: func(ctx context.Context, inst *entity.Instance) error {
			name, _ := inst.Get("name")
			return inst.Set("name", strings.ToUpper(name.(string)))
		}})
		r.Register(hooks.AnyEntity, hooks.AfterInsert, &hooks.Hook{Name: "after", Fn: record("inserted")})
		r.Register(hooks.AnyEntity, hooks.BeforeUpdate, &hooks.Hook{Name: "before", Fn: record("updating")})
		r.Register(hooks.AnyEntity, hooks.AfterUpdate, &hooks.Hook{Name: "after", Fn: record("updated")})

		s, source := newHookedSession(t, r, nil)
		org := create(t, s, "Organisation", map[string]any{"id": 1, "name": "acme"})
		create(t, s, "Workspace", map[string]any{"org": org, "id": 10, "name": "w1"})
		require.NoError(t, s.Flush(ctx))

		rows := source.Rows("organisation")
		require.Len(t, rows, 1)
		assert.Equal(t, "ACME", rows[0]["name"])
		assert.Equal(t, []string{"inserted Organisation(int64:1)", "inserted Workspace(int64:1|int64:10)"}, events)

		events = nil
		require.NoError(t, s.Flush(ctx))
		assert.Empty(t, events)

		require.NoError(t, org.Set("name", "renamed"))
		require.NoError(t, s.Flush(ctx))
		assert.Equal(t, []string{"updating Organisation(int64:1)", "updated Organisation(int64:1)"}, events)
	})

	t.Run("before hook failure aborts the flush", func(t *testing.T) {
		r := hooks.NewRegistry()
		r.Register("Workspace", hooks.BeforeInsert, &hooks.Hook{Name: "quota", Fn: func(ctx context.Context, inst *entity.Instance) error {
			return errors.New("workspace quota reached")
		}})

		s, source := newHookedSession(t, r, nil)
		org := create(t, s, "Organisation", map[string]any{"id": 1, "name": "acme"})
		create(t, s, "Workspace", map[string]any{"org": org, "id": 10, "name": "w1"})

		err := s.Flush(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, hooks.ErrHookFailed)
		assert.Contains(t, err.Error(), "workspace quota reached")
		assert.Empty(t, source.batches)
		assert.Len(t, s.Pending(), 2)
		assert.Equal(t, Tracking, s.State())
	})

	t.Run("after hook failure is logged", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		r := hooks.NewRegistry()
		r.Register(hooks.AnyEntity, hooks.AfterInsert, &hooks.Hook{Name: "notify", Fn: func(ctx context.Context, inst *entity.Instance) error {
			return errors.New("mailer down")
		}})

		s, source := newHookedSession(t, r, zap.New(core))
		create(t, s, "Organisation", map[string]any{"id": 1, "name": "acme"})

		require.NoError(t, s.Flush(ctx))
		assert.Len(t, source.Rows("organisation"), 1)
		assert.Empty(t, s.Pending())
		assert.Equal(t, 1, logs.FilterMessage("after-insert hook failed").Len())
	})

	t.Run("required fields", func(t *testing.T) {
		r := hooks.NewRegistry()
		validation.Register(r)

		s, source := newHookedSession(t, r, nil)
		create(t, s, "Organisation", map[string]any{"id": 1})
		err := s.Flush(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, validation.ErrValidation)
		assert.Contains(t, err.Error(), "name: is required")
		assert.Empty(t, source.batches)

		org := s.Pending()[0]
		require.NoError(t, org.Set("name", "acme"))
		require.NoError(t, s.Flush(ctx))

		found, err := s.FindOneOrFail(ctx, "Organisation", query.Predicate{"id": 1}, nil)
		require.NoError(t, err)
		require.NoError(t, found.Set("name", nil))
		err = s.Flush(ctx)
		assert.ErrorIs(t, err, validation.ErrValidation)
	})
}
