package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/relkit/internal/orm/filter"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/schema/schematest"
)

func TestLoad_MatchesFixtureSchema(t *testing.T) {
	m, err := Load("testdata/tenancy.yaml")
	require.NoError(t, err)

	registry, engine, err := m.Build()
	require.NoError(t, err)
	assert.True(t, registry.IsLinked())

	fixtures := schematest.Registry()
	assert.Equal(t, fixtures.Names(), registry.Names())
	for _, name := range fixtures.Names() {
		want, err := fixtures.Resolve(name)
		require.NoError(t, err)
		got, err := registry.Resolve(name)
		require.NoError(t, err)

		assert.Equal(t, want.Table, got.Table, name)
		assert.Equal(t, want.KeyColumns(), got.KeyColumns(), name)
		assert.Equal(t, want.Columns(), got.Columns(), name)
		for _, prop := range want.Properties {
			other, ok := got.Property(prop.Name)
			require.True(t, ok, "%s.%s", name, prop.Name)
			assert.Equal(t, prop.Type, other.Type, "%s.%s", name, prop.Name)
			assert.Equal(t, prop.Nullable, other.Nullable, "%s.%s", name, prop.Name)
		}
		for _, rel := range want.Relationships {
			other, ok := got.Relationship(rel.Name)
			require.True(t, ok, "%s.%s", name, rel.Name)
			assert.Equal(t, rel.Kind, other.Kind)
			assert.Equal(t, rel.Ownership, other.Ownership)
			assert.Equal(t, rel.LocalColumns(), other.LocalColumns())
			assert.Equal(t, rel.OwnedColumns(), other.OwnedColumns())
		}
	}

	user, err := registry.Resolve("User")
	require.NoError(t, err)
	profile, ok := user.Relationship("profile")
	require.True(t, ok)
	assert.True(t, profile.Nullable)
	require.NotNil(t, profile.Mirror())
	assert.Equal(t, "user", profile.Mirror().Name)

	assert.Equal(t, []string{"named", "softDelete"}, engine.Names())
	assert.True(t, engine.IsEnabled("softDelete"))
	assert.False(t, engine.IsEnabled("named"))
	defs := engine.Definitions("User")
	require.Len(t, defs, 1)
	assert.Equal(t, query.Predicate{
		"name": map[string]any{"$in": []any{filter.Param("first"), filter.Param("second")}},
	}, defs[0].Cond)
}

func TestParse_Properties(t *testing.T) {
	m, err := Parse([]byte(`
entities:
  - name: Tag
    table: tags
    key: [id]
    properties:
      - id
      - {name: label, column: tag_label, nullable: true}
`))
	require.NoError(t, err)

	registry, err := m.Registry()
	require.NoError(t, err)
	tag, err := registry.Resolve("Tag")
	require.NoError(t, err)
	assert.Equal(t, "tags", tag.Table)
	label, ok := tag.Property("label")
	require.True(t, ok)
	assert.Equal(t, "tag_label", label.Column)
	assert.True(t, label.Nullable)
}

func TestManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		is   error
	}{
		{
			name: "malformed yaml",
			doc:  "entities: [",
			is:   ErrInvalidManifest,
		},
		{
			name: "unknown kind",
			doc: `
entities:
  - name: A
    key: [id]
    properties: [id]
    relationships: [{name: b, kind: several, target: A, join: [{local: a_id, referenced: id}]}]`,
			is: ErrInvalidManifest,
		},
		{
			name: "unknown property type",
			doc: `
entities:
  - name: A
    key: [id]
    properties: [{name: id, type: money}]`,
			is: ErrInvalidManifest,
		},
		{
			name: "inverse with join columns",
			doc: `
entities:
  - name: A
    key: [id]
    properties: [id]
    relationships: [{name: b, target: A, mappedBy: x, join: [{local: a_id, referenced: id}]}]`,
			is: ErrInvalidManifest,
		},
		{
			name: "missing target",
			doc: `
entities:
  - name: A
    key: [id]
    properties: [id]
    relationships: [{name: b, target: Nope, join: [{local: b_id, referenced: id}]}]`,
			is: schema.ErrUnknownEntity,
		},
		{
			name: "filter on unknown entity",
			doc: `
entities:
  - {name: A, key: [id], properties: [id]}
filters:
  - {name: f, entity: Nope, cond: {id: 1}}`,
			is: schema.ErrUnknownEntity,
		},
		{
			name: "filter cond is not a mapping",
			doc: `
entities:
  - {name: A, key: [id], properties: [id]}
filters:
  - {name: f, entity: A, cond: [1, 2]}`,
			is: ErrInvalidManifest,
		},
		{
			name: "duplicate filter",
			doc: `
entities:
  - {name: A, key: [id], properties: [id]}
filters:
  - {name: f, entity: A, cond: {id: 1}}
  - {name: f, entity: A, cond: {id: 2}}`,
			is: filter.ErrDuplicateFilter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.doc))
			if err == nil {
				_, _, err = m.Build()
			}
			assert.ErrorIs(t, err, tt.is)
		})
	}

	_, err := Load("testdata/missing.yaml")
	assert.Error(t, err)
}
