package relationships

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/datasource/memory"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/filter"
	"github.com/conduit-lang/relkit/internal/orm/identity"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/schema/schematest"
)

type env struct {
	registry *schema.Registry
	store    *memory.Store
	ids      *identity.Map
	filters  *filter.Engine
	opts     query.FilterOptions
	resolver *Resolver
}

func row(table string, key, values map[string]any) datasource.Mutation {
	return datasource.Mutation{Kind: datasource.Insert, Table: table, Key: key, Values: values}
}

// newEnv seeds organisation 1 with:
//
//	workspace 10 "w1", workspace 20 "w2" (deleted)
//	profile 11 "p1", profile 14 "p2" (deleted)
//	user 12 "user1" (w1, p1), user 13 "user2" (w2, p2), user 15 "user3" (none)
//	request 100 and 101 of user1, request 102 of user2
func newEnv(t *testing.T, configure ...func(*Config)) *env {
	t.Helper()
	deleted := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e := &env{
		registry: schematest.Registry(),
		store:    memory.New(),
		ids:      identity.New(),
	}
	e.filters = filter.NewEngine(e.registry)
	for _, name := range []string{"Workspace", "Profile"} {
		require.NoError(t, e.filters.Register(filter.Definition{
			Name:    "softDelete",
			Entity:  name,
			Cond:    query.Predicate{"deletedAt": nil},
			Default: true,
		}))
	}

	require.NoError(t, e.store.Write(context.Background(), []datasource.Mutation{
		row("organisation", map[string]any{"id": 1}, map[string]any{"name": "acme"}),
		row("workspace", map[string]any{"org_id": 1, "id": 10}, map[string]any{"name": "w1", "deleted_at": nil}),
		row("workspace", map[string]any{"org_id": 1, "id": 20}, map[string]any{"name": "w2", "deleted_at": deleted}),
		row("profile", map[string]any{"org_id": 1, "id": 11}, map[string]any{"name": "p1", "deleted_at": nil}),
		row("profile", map[string]any{"org_id": 1, "id": 14}, map[string]any{"name": "p2", "deleted_at": deleted}),
		row("user", map[string]any{"org_id": 1, "id": 12}, map[string]any{"name": "user1", "workspace_id": 10, "profile_id": 11}),
		row("user", map[string]any{"org_id": 1, "id": 13}, map[string]any{"name": "user2", "workspace_id": 20, "profile_id": 14}),
		row("user", map[string]any{"org_id": 1, "id": 15}, map[string]any{"name": "user3", "workspace_id": nil, "profile_id": nil}),
		row("request", map[string]any{"org_id": 1, "id": 100}, map[string]any{"name": "r1", "user_id": 12}),
		row("request", map[string]any{"org_id": 1, "id": 101}, map[string]any{"name": "r2", "user_id": 12}),
		row("request", map[string]any{"org_id": 1, "id": 102}, map[string]any{"name": "r3", "user_id": 13}),
	}))

	cfg := Config{
		Registry:      e.registry,
		Source:        e.store,
		Identity:      e.ids,
		Filters:       e.filters,
		FilterOptions: func() query.FilterOptions { return e.opts },
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	e.resolver = NewResolver(cfg)
	return e
}

// get loads root instances by key with filters off and resets the fetch log
func (e *env) get(t *testing.T, entityName string, keys ...entity.Key) []*entity.Instance {
	t.Helper()
	meta, err := e.registry.Resolve(entityName)
	require.NoError(t, err)

	tuples := make([][]any, len(keys))
	for i, k := range keys {
		tuples[i] = []any(k)
	}
	where := query.NewPredicateGroup(false)
	where.AddCondition(query.ColumnsIn(meta.KeyColumns(), tuples))

	order := make([]query.OrderBy, 0)
	for _, c := range meta.KeyColumns() {
		order = append(order, query.OrderBy{Column: c})
	}
	rows, err := e.resolver.Fetch(context.Background(), meta, where,
		datasource.FetchRequest{OrderBy: order},
		query.FilterOptions{Enabled: map[string]bool{"softDelete": false}})
	require.NoError(t, err)
	instances, err := e.resolver.Hydrate(meta, rows, false)
	require.NoError(t, err)
	require.Len(t, instances, len(keys))
	e.store.ResetStats()
	return instances
}

func (e *env) one(t *testing.T, entityName string, key ...any) *entity.Instance {
	t.Helper()
	return e.get(t, entityName, entity.Key(key))[0]
}

func (e *env) tables() []string {
	out := make([]string, 0)
	for _, req := range e.store.Fetches() {
		out = append(out, req.Table)
	}
	return out
}

func name(t *testing.T, inst *entity.Instance) any {
	t.Helper()
	require.NotNil(t, inst)
	v, err := inst.Get("name")
	require.NoError(t, err)
	return v
}

func names(t *testing.T, items []*entity.Instance) []any {
	t.Helper()
	out := make([]any, len(items))
	for i, inst := range items {
		out[i] = name(t, inst)
	}
	return out
}

func reference(t *testing.T, inst *entity.Instance, rel string) *entity.Reference {
	t.Helper()
	ref, err := inst.Reference(rel)
	require.NoError(t, err)
	return ref
}

func collection(t *testing.T, inst *entity.Instance, rel string) *entity.Collection {
	t.Helper()
	coll, err := inst.Collection(rel)
	require.NoError(t, err)
	return coll
}

func TestResolver_LoadOwningReference(t *testing.T) {
	e := newEnv(t)
	user1 := e.one(t, "User", 1, 12)
	ref := reference(t, user1, "profile")
	assert.False(t, ref.IsLoaded())
	assert.True(t, ref.TargetKey().Equal(entity.Key{1, 11}))

	profile, err := ref.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", name(t, profile))
	assert.True(t, ref.IsLoaded())

	fetches := e.store.Fetches()
	require.Len(t, fetches, 1)
	assert.Equal(t, "profile", fetches[0].Table)
	assert.Equal(t, 1, fetches[0].Limit)

	t.Run("idempotent", func(t *testing.T) {
		again, err := ref.Load(context.Background())
		require.NoError(t, err)
		assert.Same(t, profile, again)
		assert.Len(t, e.store.Fetches(), 1)
	})

	t.Run("registered in the identity map", func(t *testing.T) {
		cached, ok := e.ids.Get("Profile", entity.Key{1, 11})
		require.True(t, ok)
		assert.Same(t, profile, cached)
	})
}

func TestResolver_IdentityMapServesOwningReference(t *testing.T) {
	e := newEnv(t)
	org := e.one(t, "Organisation", 1)
	user1 := e.one(t, "User", 1, 12)

	got, err := reference(t, user1, "org").Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, org, got)
	assert.Empty(t, e.store.Fetches())

	t.Run("filtered target is fetched and keeps identity", func(t *testing.T) {
		w1 := e.one(t, "Workspace", 1, 10)
		ws, err := reference(t, user1, "workspace").Load(context.Background())
		require.NoError(t, err)
		assert.Same(t, w1, ws)
		assert.Equal(t, []string{"workspace"}, e.tables())
	})

	t.Run("cached row hidden by a filter", func(t *testing.T) {
		e.one(t, "Workspace", 1, 20)
		user2 := e.one(t, "User", 1, 13)

		ws, err := reference(t, user2, "workspace").Load(context.Background())
		require.NoError(t, err)
		assert.Nil(t, ws)

		batch := newEnv(t)
		batch.one(t, "Workspace", 1, 20)
		owner := batch.one(t, "User", 1, 13)
		require.NoError(t, batch.resolver.Populate(context.Background(), []*entity.Instance{owner}, []string{"workspace"}, PopulateOptions{}))
		target, loaded := reference(t, owner, "workspace").Get()
		assert.True(t, loaded)
		assert.Nil(t, target)
		assert.Equal(t, []string{"workspace"}, batch.tables())
	})
}

func TestResolver_FilteredReference(t *testing.T) {
	e := newEnv(t)
	user2 := e.one(t, "User", 1, 13)

	ws, err := reference(t, user2, "workspace").Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ws)
	assert.True(t, reference(t, user2, "workspace").IsLoaded())
	assert.Len(t, e.store.Fetches(), 1)

	t.Run("disabled filter includes the deleted row", func(t *testing.T) {
		e := newEnv(t)
		e.opts = query.FilterOptions{Enabled: map[string]bool{"softDelete": false}}
		user2 := e.one(t, "User", 1, 13)

		ws, err := reference(t, user2, "workspace").Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "w2", name(t, ws))
	})
}

func TestResolver_EmptyOwningReference(t *testing.T) {
	e := newEnv(t)
	user3 := e.one(t, "User", 1, 15)

	ref := reference(t, user3, "profile")
	assert.True(t, ref.IsLoaded())
	profile, err := ref.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, profile)
	assert.Empty(t, e.store.Fetches())
}

func TestResolver_LoadInverseReference(t *testing.T) {
	e := newEnv(t)
	p1 := e.one(t, "Profile", 1, 11)

	user, err := reference(t, p1, "user").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user1", name(t, user))

	fetches := e.store.Fetches()
	require.Len(t, fetches, 1)
	assert.Equal(t, "user", fetches[0].Table)

	back, loaded := reference(t, user, "profile").Get()
	assert.True(t, loaded)
	assert.Same(t, p1, back)
	assert.Len(t, e.store.Fetches(), 1)
}

func TestResolver_LoadCollection(t *testing.T) {
	e := newEnv(t)
	w1 := e.one(t, "Workspace", 1, 10)
	coll := collection(t, w1, "users")
	assert.False(t, coll.IsInitialized())

	users, err := coll.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"user1"}, names(t, users))
	assert.True(t, coll.IsInitialized())
	assert.Len(t, e.store.Fetches(), 1)

	back, loaded := reference(t, users[0], "workspace").Get()
	assert.True(t, loaded)
	assert.Same(t, w1, back)

	t.Run("second load is served from the handle", func(t *testing.T) {
		again, err := coll.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, users, again)
		assert.Len(t, e.store.Fetches(), 1)
	})

	t.Run("refresh fetches again and keeps identity", func(t *testing.T) {
		again, err := coll.Refresh(context.Background())
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Same(t, users[0], again[0])
		assert.Len(t, e.store.Fetches(), 2)
	})
}

func TestResolver_CollectionOrderedByKey(t *testing.T) {
	e := newEnv(t)
	user1 := e.one(t, "User", 1, 12)

	requests, err := collection(t, user1, "requests").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []any{"r1", "r2"}, names(t, requests))

	fetches := e.store.Fetches()
	require.Len(t, fetches, 1)
	assert.Equal(t, []query.OrderBy{{Column: "org_id"}, {Column: "id"}}, fetches[0].OrderBy)
}

func TestResolver_CancelledLoadLeavesHandleUnloaded(t *testing.T) {
	e := newEnv(t)
	user1 := e.one(t, "User", 1, 12)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ref := reference(t, user1, "profile")
	_, err := ref.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsFetchFailure(err))
	assert.False(t, ref.IsLoaded())

	_, ok := e.ids.Get("Profile", entity.Key{1, 11})
	assert.False(t, ok)

	profile, err := ref.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", name(t, profile))
}

func TestResolver_FetchFailure(t *testing.T) {
	e := newEnv(t)
	w1 := e.one(t, "Workspace", 1, 10)
	require.NoError(t, e.store.Close())

	coll := collection(t, w1, "users")
	_, err := coll.Load(context.Background())
	assert.ErrorIs(t, err, ErrFetchFailure)
	assert.ErrorIs(t, err, memory.ErrClosed)
	assert.False(t, coll.IsInitialized())
}

func TestResolver_Hydrate(t *testing.T) {
	e := newEnv(t)
	w1 := e.one(t, "Workspace", 1, 10)
	meta, err := e.registry.Resolve("Workspace")
	require.NoError(t, err)
	require.NoError(t, w1.Set("name", "renamed"))

	fetched := datasource.Row{"org_id": int64(1), "id": int64(10), "name": "w1", "deleted_at": nil}

	t.Run("existing instance wins", func(t *testing.T) {
		instances, err := e.resolver.Hydrate(meta, []datasource.Row{fetched, fetched}, false)
		require.NoError(t, err)
		require.Len(t, instances, 1)
		assert.Same(t, w1, instances[0])
		assert.Equal(t, "renamed", name(t, w1))
	})

	t.Run("refresh overwrites managed instances", func(t *testing.T) {
		instances, err := e.resolver.Hydrate(meta, []datasource.Row{fetched}, true)
		require.NoError(t, err)
		assert.Same(t, w1, instances[0])
		assert.Equal(t, "w1", name(t, w1))
	})

	t.Run("incomplete row", func(t *testing.T) {
		_, err := e.resolver.Hydrate(meta, []datasource.Row{{"org_id": 1, "name": "x"}}, false)
		assert.ErrorIs(t, err, ErrIncompleteRow)
	})
}

func TestLoadContext(t *testing.T) {
	lc := NewLoadContext(2)
	require.NoError(t, lc.IncrementDepth())
	require.NoError(t, lc.IncrementDepth())
	assert.Equal(t, 2, lc.Depth())
	assert.ErrorIs(t, lc.IncrementDepth(), ErrMaxDepthExceeded)
	lc.DecrementDepth()
	lc.DecrementDepth()
	assert.Equal(t, 1, lc.Depth())

	assert.Equal(t, 0, NewLoadContext(0).Depth())
}

func TestParsePaths(t *testing.T) {
	tree, err := parsePaths([]string{"users.profile", "users.requests", "org", " "})
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, "users", tree[0].name)
	require.Len(t, tree[0].children, 2)
	assert.Equal(t, "profile", tree[0].children[0].name)
	assert.Equal(t, "requests", tree[0].children[1].name)
	assert.Equal(t, "org", tree[1].name)
	assert.Empty(t, tree[1].children)

	_, err = parsePaths([]string{"users..profile"})
	assert.ErrorIs(t, err, ErrUnknownRelationship)
}
