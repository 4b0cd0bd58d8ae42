package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/schema/schematest"
)

type stubLoader struct {
	refLoads  int
	collLoads int
	target    *Instance
	items     []*Instance
	err       error
}

func (l *stubLoader) LoadReference(ctx context.Context, ref *Reference) error {
	l.refLoads++
	if l.err != nil {
		return l.err
	}
	ref.Resolve(l.target)
	return nil
}

func (l *stubLoader) LoadCollection(ctx context.Context, coll *Collection, refresh bool) error {
	l.collLoads++
	if l.err != nil {
		return l.err
	}
	coll.Resolve(l.items)
	return nil
}

type fixture struct {
	registry *schema.Registry
}

func newFixture() *fixture {
	return &fixture{registry: schematest.Registry()}
}

func (f *fixture) meta(t *testing.T, name string) *schema.Entity {
	t.Helper()
	e, err := f.registry.Resolve(name)
	require.NoError(t, err)
	return e
}

// create builds a new instance, applies values in order and binds its key
func (f *fixture) create(t *testing.T, name string, values ...any) *Instance {
	t.Helper()
	inst := NewInstance(f.meta(t, name), nil)
	for n := 0; n+1 < len(values); n += 2 {
		require.NoError(t, inst.Set(values[n].(string), values[n+1]))
	}
	k, err := inst.ComputeKey()
	require.NoError(t, err)
	inst.BindKey(k)
	return inst
}

func TestInstance_NewState(t *testing.T) {
	f := newFixture()
	ws := NewInstance(f.meta(t, "Workspace"), nil)

	assert.True(t, ws.IsNew())
	assert.Equal(t, "new", ws.State().String())

	users, err := ws.Collection("users")
	require.NoError(t, err)
	assert.True(t, users.IsInitialized())
	items, err := users.Items()
	require.NoError(t, err)
	assert.Empty(t, items)

	org, err := ws.Reference("org")
	require.NoError(t, err)
	target, loaded := org.Get()
	assert.True(t, loaded)
	assert.Nil(t, target)

	_, err = ws.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownMember)
	_, err = ws.Reference("users")
	assert.ErrorIs(t, err, ErrUnknownMember)
}

func TestInstance_KeyInheritedFromParent(t *testing.T) {
	f := newFixture()
	org := f.create(t, "Organisation", "id", 1, "name", "acme")
	ws := f.create(t, "Workspace", "id", 10, "org", org)

	assert.True(t, ws.Key().Equal(Key{1, 10}))

	user := f.create(t, "User", "id", 5, "workspace", ws)
	assert.True(t, user.Key().Equal(Key{1, 5}))

	cols, err := user.Columns()
	require.NoError(t, err)
	assert.Equal(t, 1, cols["org_id"])
	assert.Equal(t, 10, cols["workspace_id"])
	assert.Nil(t, cols["profile_id"])

	orgRef, err := user.Reference("org")
	require.NoError(t, err)
	assert.False(t, orgRef.IsLoaded())
	assert.True(t, orgRef.TargetKey().Equal(Key{1}))
	assert.Equal(t, map[string]any{"org_id": 1, "id": 5}, user.KeyValues())
}

func TestInstance_ColumnConflict(t *testing.T) {
	f := newFixture()
	org := f.create(t, "Organisation", "id", 1)
	ws := f.create(t, "Workspace", "id", 10, "org", org)

	user := NewInstance(f.meta(t, "User"), nil)
	require.NoError(t, user.Set("id", 5))
	require.NoError(t, user.Set("org", Key{2}))
	require.NoError(t, user.Set("workspace", ws))

	_, err := user.Columns()
	assert.ErrorIs(t, err, ErrColumnConflict)
}

func TestInstance_BidirectionalLinks(t *testing.T) {
	f := newFixture()
	org := f.create(t, "Organisation", "id", 1)
	ws1 := f.create(t, "Workspace", "id", 10, "org", org)
	ws2 := f.create(t, "Workspace", "id", 11, "org", org)
	profile := f.create(t, "Profile", "id", 20, "org", org)

	user := f.create(t, "User", "id", 5, "org", org, "workspace", ws1, "profile", profile)

	users1, _ := ws1.Collection("users")
	assert.True(t, users1.Contains(user))

	require.NoError(t, user.Set("workspace", ws2))
	users2, _ := ws2.Collection("users")
	assert.False(t, users1.Contains(user))
	assert.True(t, users2.Contains(user))

	back, _ := profile.Reference("user")
	target, loaded := back.Get()
	assert.True(t, loaded)
	assert.Same(t, user, target)

	other := f.create(t, "User", "id", 6, "org", org)
	require.NoError(t, profile.Set("user", other))
	otherProfile, _ := other.Reference("profile")
	p, _ := otherProfile.Get()
	assert.Same(t, profile, p)
	userProfile, _ := user.Reference("profile")
	p, loaded = userProfile.Get()
	assert.True(t, loaded)
	assert.Nil(t, p)

	require.NoError(t, ws1.Set("users", []*Instance{other}))
	wsRef, _ := other.Reference("workspace")
	w, _ := wsRef.Get()
	assert.Same(t, ws1, w)
	assert.True(t, users1.Contains(other))
}

func TestInstance_SetValidation(t *testing.T) {
	f := newFixture()
	user := NewInstance(f.meta(t, "User"), nil)

	assert.ErrorIs(t, user.Set("profile", Key{1}), ErrInvalidValue)
	assert.ErrorIs(t, user.Set("profile", 7), ErrInvalidValue)
	assert.NoError(t, user.Set("profile", []any{1, 7}))

	org := f.create(t, "Organisation", "id", 1)
	assert.ErrorIs(t, user.Set("workspace", org), ErrInvalidValue)
	assert.ErrorIs(t, user.Set("requests", "nope"), ErrInvalidValue)

	ws := NewInstance(f.meta(t, "Workspace"), nil)
	assert.NoError(t, ws.Set("org", 3))
	orgRef, _ := ws.Reference("org")
	assert.True(t, orgRef.TargetKey().Equal(Key{3}))
}

func TestInstance_ImmutableKey(t *testing.T) {
	f := newFixture()
	ws := f.create(t, "Workspace", "id", 10, "org", Key{1})

	assert.NoError(t, ws.Set("id", 10))
	assert.ErrorIs(t, ws.Set("id", 11), ErrImmutableKey)
	assert.ErrorIs(t, ws.Set("org", Key{2}), ErrImmutableKey)
	assert.NoError(t, ws.Set("name", "renamed"))
}

func TestInstance_FromRow(t *testing.T) {
	f := newFixture()
	user, err := FromRow(f.meta(t, "User"), map[string]any{
		"org_id":       int64(1),
		"id":           int64(5),
		"name":         "user1",
		"profile_id":   nil,
		"workspace_id": int64(10),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, Managed, user.State())
	assert.True(t, user.Key().Equal(Key{1, 5}))
	assert.True(t, KeyFromRow(user.Entity(), map[string]any{"org_id": 1, "id": 5}).Equal(user.Key()))

	name, err := user.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "user1", name)

	profile, _ := user.Reference("profile")
	target, loaded := profile.Get()
	assert.True(t, loaded)
	assert.Nil(t, target)

	ws, _ := user.Reference("workspace")
	assert.False(t, ws.IsLoaded())
	assert.True(t, ws.TargetKey().Equal(Key{1, 10}))

	requests, _ := user.Collection("requests")
	assert.False(t, requests.IsInitialized())
	_, err = requests.Items()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInstance_Changes(t *testing.T) {
	f := newFixture()
	ws, err := FromRow(f.meta(t, "Workspace"), map[string]any{
		"org_id": 1, "id": 10, "name": "w1", "deleted_at": nil,
	}, nil)
	require.NoError(t, err)

	changes, err := ws.Changes()
	require.NoError(t, err)
	assert.Nil(t, changes)

	require.NoError(t, ws.Set("name", "w2"))
	changes, err = ws.Changes()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "w2"}, changes)

	ws.MarkPersisted()
	changes, err = ws.Changes()
	require.NoError(t, err)
	assert.Nil(t, changes)

	require.NoError(t, ws.Refresh(map[string]any{"org_id": 1, "id": 10, "name": "w3"}))
	name, _ := ws.Get("name")
	assert.Equal(t, "w3", name)
	assert.Error(t, ws.Refresh(map[string]any{"org_id": 1, "id": 99}))
}

func TestInstance_Detached(t *testing.T) {
	f := newFixture()
	loader := &stubLoader{}
	ws, err := FromRow(f.meta(t, "Workspace"), map[string]any{"org_id": 1, "id": 10}, loader)
	require.NoError(t, err)
	users, _ := ws.Collection("users")

	ws.Detach()
	assert.True(t, ws.IsDetached())

	_, err = ws.Get("name")
	assert.ErrorIs(t, err, ErrDetachedEntity)
	assert.True(t, IsDetached(err))
	assert.ErrorIs(t, ws.Set("name", "x"), ErrDetachedEntity)
	_, err = users.Load(context.Background())
	assert.ErrorIs(t, err, ErrDetachedEntity)
	assert.Zero(t, loader.collLoads)
}

func TestHandles_LoadIsIdempotent(t *testing.T) {
	f := newFixture()
	org := f.create(t, "Organisation", "id", 1)
	loader := &stubLoader{target: org}

	ws, err := FromRow(f.meta(t, "Workspace"), map[string]any{"org_id": 1, "id": 10}, loader)
	require.NoError(t, err)

	ref, _ := ws.Reference("org")
	got, err := ref.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, org, got)
	got, err = ref.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, org, got)
	assert.Equal(t, 1, loader.refLoads)

	user := f.create(t, "User", "id", 5, "org", org)
	loader.items = []*Instance{user}
	users, _ := ws.Collection("users")
	items, err := users.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
	_, err = users.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loader.collLoads)

	_, err = users.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, loader.collLoads)
}

func TestHandles_FailedLoadStaysUnloaded(t *testing.T) {
	f := newFixture()
	loader := &stubLoader{err: assert.AnError}
	ws, err := FromRow(f.meta(t, "Workspace"), map[string]any{"org_id": 1, "id": 10}, loader)
	require.NoError(t, err)

	ref, _ := ws.Reference("org")
	_, err = ref.Load(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, ref.IsLoaded())

	users, _ := ws.Collection("users")
	_, err = users.Load(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, users.IsInitialized())
}

func TestHandles_NoLoader(t *testing.T) {
	f := newFixture()
	ws, err := FromRow(f.meta(t, "Workspace"), map[string]any{"org_id": 1, "id": 10}, nil)
	require.NoError(t, err)
	ref, _ := ws.Reference("org")
	_, err = ref.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoLoader)
}

func TestCollection_ResolveKeepsPendingItems(t *testing.T) {
	f := newFixture()
	org := f.create(t, "Organisation", "id", 1)
	ws := f.create(t, "Workspace", "id", 10, "org", org)
	pending := f.create(t, "User", "id", 5, "workspace", ws)

	persisted, err := FromRow(f.meta(t, "User"), map[string]any{"org_id": 1, "id": 6, "workspace_id": 10}, nil)
	require.NoError(t, err)

	users, _ := ws.Collection("users")
	users.Resolve([]*Instance{persisted})
	items, err := users.Items()
	require.NoError(t, err)
	assert.Equal(t, []*Instance{persisted, pending}, items)
}
