// Package schematest provides entity fixtures shared by the orm package tests.
//
// The fixture models an organisation-scoped schema where every child entity
// inherits the org_id key component from its parent:
//
//	Organisation(id)
//	Workspace(org, id)       soft-deletable, has many users
//	Profile(org, id)         soft-deletable, has one user
//	User(org, id)            -> profile(org_id, profile_id), workspace(org_id, workspace_id)
//	Request(org, id)         -> user(org_id, user_id)
package schematest

import (
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// Organisation returns the root entity keyed by a single id column
func Organisation() *schema.Entity {
	e := schema.NewEntity("Organisation")
	e.PrimaryKey = []string{"id"}
	e.AddTypedProperty("id", schema.TypeInt, false).AddProperty("name", false)
	return e
}

// orgScoped builds an entity whose key is (org, id)
func orgScoped(name string) *schema.Entity {
	e := schema.NewEntity(name)
	e.PrimaryKey = []string{"org", "id"}
	e.AddTypedProperty("id", schema.TypeInt, false).AddProperty("name", false)
	e.AddRelationship(&schema.Relationship{
		Name:        "org",
		Kind:        schema.ToOne,
		Ownership:   schema.Owning,
		Target:      "Organisation",
		JoinColumns: []schema.JoinColumn{{Local: "org_id", Referenced: "id"}},
	})
	return e
}

// Workspace returns the soft-deletable workspace entity
func Workspace() *schema.Entity {
	e := orgScoped("Workspace")
	e.AddTypedProperty("deletedAt", schema.TypeTimestamp, true)
	e.AddRelationship(&schema.Relationship{
		Name:      "users",
		Kind:      schema.ToMany,
		Ownership: schema.Inverse,
		Target:    "User",
		MappedBy:  "workspace",
	})
	return e
}

// Profile returns the soft-deletable profile entity
func Profile() *schema.Entity {
	e := orgScoped("Profile")
	e.AddTypedProperty("deletedAt", schema.TypeTimestamp, true)
	e.AddRelationship(&schema.Relationship{
		Name:      "user",
		Kind:      schema.ToOne,
		Ownership: schema.Inverse,
		Target:    "User",
		MappedBy:  "profile",
	})
	return e
}

// User returns the user entity sharing org_id with its profile and workspace
func User() *schema.Entity {
	e := orgScoped("User")
	e.AddRelationship(&schema.Relationship{
		Name:      "profile",
		Kind:      schema.ToOne,
		Ownership: schema.Owning,
		Target:    "Profile",
		Nullable:  true,
		JoinColumns: []schema.JoinColumn{
			{Local: "org_id", Referenced: "org_id"},
			{Local: "profile_id", Referenced: "id"},
		},
		OwnColumns: []string{"profile_id"},
	})
	e.AddRelationship(&schema.Relationship{
		Name:      "workspace",
		Kind:      schema.ToOne,
		Ownership: schema.Owning,
		Target:    "Workspace",
		Nullable:  true,
		JoinColumns: []schema.JoinColumn{
			{Local: "org_id", Referenced: "org_id"},
			{Local: "workspace_id", Referenced: "id"},
		},
		OwnColumns: []string{"workspace_id"},
	})
	e.AddRelationship(&schema.Relationship{
		Name:      "requests",
		Kind:      schema.ToMany,
		Ownership: schema.Inverse,
		Target:    "Request",
		MappedBy:  "user",
	})
	return e
}

// Request returns an entity owned by a user within the same organisation
func Request() *schema.Entity {
	e := orgScoped("Request")
	e.AddRelationship(&schema.Relationship{
		Name:      "user",
		Kind:      schema.ToOne,
		Ownership: schema.Owning,
		Target:    "User",
		JoinColumns: []schema.JoinColumn{
			{Local: "org_id", Referenced: "org_id"},
			{Local: "user_id", Referenced: "id"},
		},
	})
	return e
}

// Registry returns a linked registry holding every fixture entity
func Registry() *schema.Registry {
	r := schema.NewRegistry()
	r.MustRegister(Organisation(), Workspace(), Profile(), User(), Request())
	if err := r.Link(); err != nil {
		panic(err)
	}
	return r
}
