package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/schema/schematest"
)

func TestGenerator_CompositeKeysAndForeignKeys(t *testing.T) {
	gen, err := NewGenerator(query.SQLite)
	require.NoError(t, err)

	stmts, err := gen.Generate(schematest.Registry())
	require.NoError(t, err)
	require.Len(t, stmts, 5)

	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "organisation" (
  "id" INTEGER NOT NULL,
  "name" TEXT NOT NULL,
  PRIMARY KEY ("id")
)`, stmts[0])

	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "user" (
  "org_id" INTEGER NOT NULL,
  "id" INTEGER NOT NULL,
  "name" TEXT NOT NULL,
  "profile_id" INTEGER,
  "workspace_id" INTEGER,
  PRIMARY KEY ("org_id", "id"),
  FOREIGN KEY ("org_id") REFERENCES "organisation" ("id"),
  FOREIGN KEY ("org_id", "profile_id") REFERENCES "profile" ("org_id", "id"),
  FOREIGN KEY ("org_id", "workspace_id") REFERENCES "workspace" ("org_id", "id")
)`, stmts[3])

	// a required owning relationship makes its own join column NOT NULL
	assert.Contains(t, stmts[4], `"user_id" INTEGER NOT NULL`)
	assert.Contains(t, stmts[1], `"deleted_at" DATETIME,`)
}

func TestGenerator_Postgres(t *testing.T) {
	gen, err := NewGenerator(query.Postgres)
	require.NoError(t, err)

	meta, err := schematest.Registry().Resolve("Workspace")
	require.NoError(t, err)
	stmt, err := gen.CreateTable(meta)
	require.NoError(t, err)

	assert.Contains(t, stmt, `"name" VARCHAR(255) NOT NULL`)
	assert.Contains(t, stmt, `"deleted_at" TIMESTAMP WITH TIME ZONE,`)
	assert.Contains(t, stmt, `PRIMARY KEY ("org_id", "id")`)
}

func TestGenerator_Errors(t *testing.T) {
	gen, err := NewGenerator(query.SQLite)
	require.NoError(t, err)

	t.Run("owning cycle", func(t *testing.T) {
		a := schema.NewEntity("A").AddTypedProperty("id", schema.TypeInt, false)
		a.PrimaryKey = []string{"id"}
		a.AddRelationship(&schema.Relationship{
			Name: "b", Kind: schema.ToOne, Ownership: schema.Owning, Target: "B",
			JoinColumns: []schema.JoinColumn{{Local: "b_id", Referenced: "id"}},
		})
		b := schema.NewEntity("B").AddTypedProperty("id", schema.TypeInt, false)
		b.PrimaryKey = []string{"id"}
		b.AddRelationship(&schema.Relationship{
			Name: "a", Kind: schema.ToOne, Ownership: schema.Owning, Target: "A",
			JoinColumns: []schema.JoinColumn{{Local: "a_id", Referenced: "id"}},
		})
		registry := schema.NewRegistry().MustRegister(a, b)

		_, err := gen.Generate(registry)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "circular dependency")
	})

	t.Run("unsupported type", func(t *testing.T) {
		mapper, err := NewTypeMapper(query.SQLite)
		require.NoError(t, err)
		_, err = mapper.MapType(schema.PrimitiveType(99))
		assert.Error(t, err)
	})
}

func TestVersion(t *testing.T) {
	v1 := Version([]string{"CREATE TABLE a (id INTEGER)"})
	v2 := Version([]string{"CREATE TABLE a (id INTEGER)"})
	v3 := Version([]string{"CREATE TABLE a (id BIGINT)"})

	assert.Len(t, v1, 16)
	assert.Equal(t, v1, v2)
	assert.NotEqual(t, v1, v3)
	assert.False(t, strings.ContainsAny(v1, "ABCDEF"))
}
