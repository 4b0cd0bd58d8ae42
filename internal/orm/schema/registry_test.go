package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/schema/schematest"
)

func TestRegistry(t *testing.T) {
	t.Run("register and resolve", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))

		org, err := registry.Resolve("Organisation")
		require.NoError(t, err)
		assert.Equal(t, "organisation", org.Table)
		assert.Equal(t, []string{"id"}, org.KeyColumns())
	})

	t.Run("unknown entity", func(t *testing.T) {
		registry := schema.NewRegistry()
		_, err := registry.Resolve("Missing")
		assert.ErrorIs(t, err, schema.ErrUnknownEntity)
		assert.True(t, schema.IsUnknownEntity(err))
	})

	t.Run("duplicate registration", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))
		err := registry.Register(schematest.Organisation())
		assert.ErrorIs(t, err, schema.ErrDuplicateEntity)
	})

	t.Run("names keep registration order", func(t *testing.T) {
		registry := schematest.Registry()
		assert.Equal(t, []string{"Organisation", "Workspace", "Profile", "User", "Request"}, registry.Names())
		assert.Equal(t, 5, registry.Count())
		assert.True(t, registry.IsLinked())
	})
}

func TestRegistry_CompositeKeys(t *testing.T) {
	registry := schematest.Registry()

	user, err := registry.Resolve("User")
	require.NoError(t, err)
	assert.Equal(t, []string{"org_id", "id"}, user.KeyColumns())
	assert.Equal(t, 2, user.KeyArity())
	assert.Equal(t, []string{"org_id", "id", "name", "profile_id", "workspace_id"}, user.Columns())

	profile, ok := user.Relationship("profile")
	require.True(t, ok)
	assert.Equal(t, []string{"org_id", "profile_id"}, profile.LocalColumns())
	assert.Equal(t, []string{"org_id", "id"}, profile.ReferencedColumns())
	assert.Equal(t, "Profile", profile.TargetEntity().Name)

	inverse := profile.Mirror()
	require.NotNil(t, inverse)
	assert.Equal(t, "user", inverse.Name)
	assert.Same(t, profile, inverse.Mirror())

	ws, err := registry.Resolve("Workspace")
	require.NoError(t, err)
	users, ok := ws.Relationship("users")
	require.True(t, ok)
	assert.Equal(t, "workspace", users.Mirror().Name)
	assert.Equal(t, "Workspace.users", users.String())
}

func TestRegistry_JoinColumnsReorderedToTargetKey(t *testing.T) {
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(schematest.Organisation()))
	require.NoError(t, registry.Register(schematest.Profile()))

	user := schematest.User()
	profile, _ := findRel(user, "profile")
	profile.JoinColumns = []schema.JoinColumn{
		{Local: "profile_id", Referenced: "id"},
		{Local: "org_id", Referenced: "org_id"},
	}
	user.Relationships = []*schema.Relationship{user.Relationships[0], profile}
	require.NoError(t, registry.Register(user))
	require.NoError(t, registry.Link())

	assert.Equal(t, []string{"org_id", "profile_id"}, profile.LocalColumns())
}

func TestRegistry_RejectsContradictoryMappings(t *testing.T) {
	t.Run("join column arity mismatch detected at registration", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))
		require.NoError(t, registry.Register(schematest.Profile()))

		user := schematest.User()
		profile, _ := findRel(user, "profile")
		profile.JoinColumns = []schema.JoinColumn{{Local: "profile_id", Referenced: "id"}}

		err := registry.Register(user)
		require.Error(t, err)
		assert.ErrorIs(t, err, schema.ErrInvalidMapping)
		assert.Contains(t, err.Error(), "arity 2")
		assert.False(t, registry.Exists("User"))
	})

	t.Run("arity mismatch against a later target detected at link", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))

		req := schematest.Request()
		user, _ := findRel(req, "user")
		user.JoinColumns = []schema.JoinColumn{{Local: "user_id"}}
		require.NoError(t, registry.Register(req))

		u := schematest.User()
		u.Relationships = u.Relationships[:1]
		require.NoError(t, registry.Register(u))

		err := registry.Link()
		assert.ErrorIs(t, err, schema.ErrInvalidMapping)
		assert.False(t, registry.IsLinked())
	})

	t.Run("composite target without explicit join columns", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))
		require.NoError(t, registry.Register(schematest.Workspace()))

		e := schema.NewEntity("Project")
		e.PrimaryKey = []string{"id"}
		e.AddProperty("id", false)
		e.AddRelationship(&schema.Relationship{Name: "workspace", Kind: schema.ToOne, Ownership: schema.Owning, Target: "Workspace"})
		assert.ErrorIs(t, registry.Register(e), schema.ErrInvalidMapping)
	})

	t.Run("single column default join column", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))

		e := schema.NewEntity("Team")
		e.PrimaryKey = []string{"id"}
		e.AddProperty("id", false)
		rel := &schema.Relationship{Name: "parentOrg", Kind: schema.ToOne, Ownership: schema.Owning, Target: "Organisation"}
		e.AddRelationship(rel)
		require.NoError(t, registry.Register(e))
		assert.Equal(t, []string{"parent_org_id"}, rel.LocalColumns())
	})

	t.Run("missing primary key", func(t *testing.T) {
		e := schema.NewEntity("Loose")
		e.AddProperty("id", false)
		assert.ErrorIs(t, schema.NewRegistry().Register(e), schema.ErrInvalidMapping)
	})

	t.Run("primary key component must be owning to-one", func(t *testing.T) {
		registry := schema.NewRegistry()
		e := schema.NewEntity("Odd")
		e.PrimaryKey = []string{"items"}
		e.AddRelationship(&schema.Relationship{Name: "items", Kind: schema.ToMany, Ownership: schema.Inverse, Target: "X", MappedBy: "odd"})
		assert.ErrorIs(t, registry.Register(e), schema.ErrInvalidMapping)
	})

	t.Run("owning to-many rejected", func(t *testing.T) {
		e := schema.NewEntity("Odd")
		e.PrimaryKey = []string{"id"}
		e.AddProperty("id", false)
		e.AddRelationship(&schema.Relationship{Name: "items", Kind: schema.ToMany, Ownership: schema.Owning, Target: "X"})
		assert.ErrorIs(t, schema.NewRegistry().Register(e), schema.ErrInvalidMapping)
	})

	t.Run("join column colliding with property", func(t *testing.T) {
		e := schematest.Workspace()
		e.AddProperty("orgId", false)
		assert.ErrorIs(t, schema.NewRegistry().Register(e), schema.ErrInvalidMapping)
	})

	t.Run("inverse mapped by unknown relationship", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))
		require.NoError(t, registry.Register(schematest.Profile()))
		require.NoError(t, registry.Register(schematest.Workspace()))

		u := schematest.User()
		u.Relationships = u.Relationships[:1]
		require.NoError(t, registry.Register(u))

		err := registry.Link()
		assert.ErrorIs(t, err, schema.ErrInvalidMapping)
	})

	t.Run("unknown target reported by link", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Workspace()))
		err := registry.Link()
		assert.ErrorIs(t, err, schema.ErrUnknownEntity)
	})
}

func TestRegistry_DependencyOrder(t *testing.T) {
	registry := schematest.Registry()

	order, err := registry.DependencyOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"Organisation", "Profile", "Workspace", "User", "Request"}, order)
	assert.Empty(t, registry.DetectCycles())
}

func findRel(e *schema.Entity, name string) (*schema.Relationship, bool) {
	for _, r := range e.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

func TestRelationship_OwnedColumns(t *testing.T) {
	registry := schematest.Registry()

	user, err := registry.Resolve("User")
	require.NoError(t, err)
	profile, _ := user.Relationship("profile")
	assert.Equal(t, []string{"profile_id"}, profile.OwnedColumns())
	org, _ := user.Relationship("org")
	assert.Equal(t, []string{"org_id"}, org.OwnedColumns())

	req, err := registry.Resolve("Request")
	require.NoError(t, err)
	owner, _ := req.Relationship("user")
	assert.Equal(t, []string{"user_id"}, owner.OwnedColumns())

	t.Run("own column must be a join column", func(t *testing.T) {
		registry := schema.NewRegistry()
		require.NoError(t, registry.Register(schematest.Organisation()))
		require.NoError(t, registry.Register(schematest.Profile()))

		u := schematest.User()
		rel, _ := findRel(u, "profile")
		rel.OwnColumns = []string{"name"}
		assert.ErrorIs(t, registry.Register(u), schema.ErrInvalidMapping)
	})
}
