// Package schema provides type definitions and the registry for entity metadata.
// It describes primary keys (simple or composite), properties and the
// relationships between entities, including which side of a relationship
// physically stores the foreign-key columns.
package schema

import (
	"fmt"
)

// RelationKind represents the cardinality of a relationship
type RelationKind int

const (
	// ToOne points at a single related entity
	ToOne RelationKind = iota
	// ToMany points at an ordered collection of related entities
	ToMany
)

// String returns the string representation of the relation kind
func (k RelationKind) String() string {
	switch k {
	case ToOne:
		return "to_one"
	case ToMany:
		return "to_many"
	default:
		return "unknown"
	}
}

// ParseRelationKind converts a string to a RelationKind
func ParseRelationKind(s string) (RelationKind, error) {
	switch s {
	case "to_one", "one":
		return ToOne, nil
	case "to_many", "many":
		return ToMany, nil
	default:
		return 0, fmt.Errorf("unknown relation kind: %s", s)
	}
}

// Ownership tells which side of a relationship stores the foreign key
type Ownership int

const (
	// Owning relationships store the foreign-key columns on their own table
	Owning Ownership = iota
	// Inverse relationships mirror an owning relationship and store nothing
	Inverse
)

// String returns the string representation of the ownership
func (o Ownership) String() string {
	switch o {
	case Owning:
		return "owning"
	case Inverse:
		return "inverse"
	default:
		return "unknown"
	}
}

// PrimitiveType is the storage type of a property. The zero value is
// TypeString.
type PrimitiveType int

const (
	TypeString PrimitiveType = iota
	TypeText
	TypeInt
	TypeBigInt
	TypeFloat
	TypeBool
	TypeTimestamp
	TypeUUID
	TypeBytes
	TypeJSON
)

var primitiveNames = map[PrimitiveType]string{
	TypeString:    "string",
	TypeText:      "text",
	TypeInt:       "int",
	TypeBigInt:    "bigint",
	TypeFloat:     "float",
	TypeBool:      "bool",
	TypeTimestamp: "timestamp",
	TypeUUID:      "uuid",
	TypeBytes:     "bytes",
	TypeJSON:      "json",
}

// String returns the manifest name of the type
func (p PrimitiveType) String() string {
	if name, ok := primitiveNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePrimitiveType converts a manifest type name. The empty string is
// TypeString; "integer", "boolean" and "time" are accepted as aliases.
func ParsePrimitiveType(s string) (PrimitiveType, error) {
	switch s {
	case "":
		return TypeString, nil
	case "integer":
		return TypeInt, nil
	case "boolean":
		return TypeBool, nil
	case "time", "datetime":
		return TypeTimestamp, nil
	}
	for t, name := range primitiveNames {
		if name == s {
			return t, nil
		}
	}
	return TypeString, fmt.Errorf("unknown property type: %s", s)
}

// Property represents a scalar property stored in a single column
type Property struct {
	Name     string
	Column   string
	Nullable bool
	Type     PrimitiveType
}

// JoinColumn maps a local foreign-key column to a column of the target's primary key
type JoinColumn struct {
	Local      string
	Referenced string
}

// Relationship represents a relationship between entities
type Relationship struct {
	Name      string
	Kind      RelationKind
	Ownership Ownership
	Target    string
	Nullable  bool

	// Owning side: local column -> target primary key column. Local columns
	// may be shared with the entity's own primary key (e.g. org_id).
	JoinColumns []JoinColumn

	// Owning side: the subset of join columns this relationship writes on
	// its own. Defaults to the join columns not shared with the primary key.
	OwnColumns []string

	// Inverse side: name of the owning relationship on the target
	MappedBy string

	// AllowPartial lets key tuples shorter than the target key narrow
	// the leading key columns instead of failing.
	AllowPartial bool

	owner  *Entity
	target *Entity
	mirror *Relationship
	linked bool
}

// IsOwning returns true if the relationship stores foreign-key columns
func (r *Relationship) IsOwning() bool {
	return r.Ownership == Owning
}

// Owner returns the entity that declares the relationship
func (r *Relationship) Owner() *Entity {
	return r.owner
}

// TargetEntity returns the linked target entity, nil before Link
func (r *Relationship) TargetEntity() *Entity {
	return r.target
}

// Mirror returns the other side of a bidirectional relationship.
// For an inverse relationship this is the owning relationship it maps;
// for an owning relationship it is the inverse declared on the target, if any.
func (r *Relationship) Mirror() *Relationship {
	return r.mirror
}

// LocalColumns returns the owning side's foreign-key columns in target key order
func (r *Relationship) LocalColumns() []string {
	cols := make([]string, len(r.JoinColumns))
	for i, jc := range r.JoinColumns {
		cols[i] = jc.Local
	}
	return cols
}

// ReferencedColumns returns the target key columns in order
func (r *Relationship) ReferencedColumns() []string {
	cols := make([]string, len(r.JoinColumns))
	for i, jc := range r.JoinColumns {
		cols[i] = jc.Referenced
	}
	return cols
}

// OwnedColumns returns the join columns that only this relationship
// controls. A nil value for the relationship clears exactly these.
func (r *Relationship) OwnedColumns() []string {
	if len(r.OwnColumns) > 0 {
		out := make([]string, len(r.OwnColumns))
		copy(out, r.OwnColumns)
		return out
	}
	var out []string
	for _, jc := range r.JoinColumns {
		if r.owner != nil && r.owner.IsKeyColumn(jc.Local) && !r.owner.IsKeyComponent(r.Name) {
			continue
		}
		out = append(out, jc.Local)
	}
	if len(out) == 0 {
		return r.LocalColumns()
	}
	return out
}

// LocalFor returns the local column mapped to the given target column
func (r *Relationship) LocalFor(referenced string) (string, bool) {
	for _, jc := range r.JoinColumns {
		if jc.Referenced == referenced {
			return jc.Local, true
		}
	}
	return "", false
}

// String returns a short description used in error messages
func (r *Relationship) String() string {
	owner := "?"
	if r.owner != nil {
		owner = r.owner.Name
	}
	return fmt.Sprintf("%s.%s", owner, r.Name)
}

// Entity represents the complete metadata for an entity
type Entity struct {
	Name          string
	Table         string
	PrimaryKey    []string // property or owning to-one relationship names, in order
	Properties    []*Property
	Relationships []*Relationship

	properties    map[string]*Property
	relationships map[string]*Relationship
	keyColumns    []string
	keyResolved   bool
}

// NewEntity creates a new Entity with a snake_case table name
func NewEntity(name string) *Entity {
	return &Entity{
		Name:  name,
		Table: toSnakeCase(name),
	}
}

// AddProperty appends a property and returns the entity for chaining
func (e *Entity) AddProperty(name string, nullable bool) *Entity {
	e.Properties = append(e.Properties, &Property{Name: name, Column: toSnakeCase(name), Nullable: nullable})
	return e
}

// AddTypedProperty appends a property with a storage type
func (e *Entity) AddTypedProperty(name string, t PrimitiveType, nullable bool) *Entity {
	e.AddProperty(name, nullable)
	e.Properties[len(e.Properties)-1].Type = t
	return e
}

// AddRelationship appends a relationship and returns the entity for chaining
func (e *Entity) AddRelationship(rel *Relationship) *Entity {
	e.Relationships = append(e.Relationships, rel)
	return e
}

// Property returns the named property
func (e *Entity) Property(name string) (*Property, bool) {
	p, ok := e.properties[name]
	return p, ok
}

// Relationship returns the named relationship
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	r, ok := e.relationships[name]
	return r, ok
}

// HasProperty returns true if the entity has a property with the given name
func (e *Entity) HasProperty(name string) bool {
	_, ok := e.properties[name]
	return ok
}

// HasRelationship returns true if the entity has a relationship with the given name
func (e *Entity) HasRelationship(name string) bool {
	_, ok := e.relationships[name]
	return ok
}

// IsKeyComponent returns true if name is one of the primary key components
func (e *Entity) IsKeyComponent(name string) bool {
	for _, pk := range e.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// KeyColumns returns the flattened primary key columns in declaration order.
// A relationship component contributes its local join columns.
func (e *Entity) KeyColumns() []string {
	out := make([]string, len(e.keyColumns))
	copy(out, e.keyColumns)
	return out
}

// KeyArity returns the number of flattened primary key columns
func (e *Entity) KeyArity() int {
	return len(e.keyColumns)
}

// IsKeyColumn returns true if the column is part of the primary key
func (e *Entity) IsKeyColumn(column string) bool {
	for _, c := range e.keyColumns {
		if c == column {
			return true
		}
	}
	return false
}

// Columns returns every physical column: key columns first, then properties,
// then owning join columns not already listed.
func (e *Entity) Columns() []string {
	seen := make(map[string]bool)
	cols := make([]string, 0, len(e.Properties)+len(e.Relationships))
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, c := range e.keyColumns {
		add(c)
	}
	for _, p := range e.Properties {
		add(p.Column)
	}
	for _, r := range e.Relationships {
		if r.IsOwning() {
			for _, jc := range r.JoinColumns {
				add(jc.Local)
			}
		}
	}
	return cols
}

// PropertyForColumn returns the property stored in the given column
func (e *Entity) PropertyForColumn(column string) (*Property, bool) {
	for _, p := range e.Properties {
		if p.Column == column {
			return p, true
		}
	}
	return nil, false
}

// index builds the lookup maps and fills in defaults
func (e *Entity) index() {
	e.properties = make(map[string]*Property, len(e.Properties))
	for _, p := range e.Properties {
		if p.Column == "" {
			p.Column = toSnakeCase(p.Name)
		}
		e.properties[p.Name] = p
	}
	e.relationships = make(map[string]*Relationship, len(e.Relationships))
	for _, r := range e.Relationships {
		r.owner = e
		e.relationships[r.Name] = r
	}
	if e.Table == "" {
		e.Table = toSnakeCase(e.Name)
	}
}

// computeKeyColumns flattens the primary key. Relationship components
// need their join columns, so this runs again after Link.
func (e *Entity) computeKeyColumns() {
	cols := make([]string, 0, len(e.PrimaryKey))
	for _, name := range e.PrimaryKey {
		if p, ok := e.properties[name]; ok {
			cols = append(cols, p.Column)
			continue
		}
		if r, ok := e.relationships[name]; ok {
			cols = append(cols, r.LocalColumns()...)
		}
	}
	e.keyColumns = cols
	e.keyResolved = true
}

// toSnakeCase converts a string to snake_case
func toSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' {
				result = append(result, '_')
			} else if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' {
				result = append(result, '_')
			}
		}
		if r >= 'A' && r <= 'Z' {
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}
	return string(result)
}

// ToSnakeCase exposes the column naming convention to other packages
func ToSnakeCase(s string) string {
	return toSnakeCase(s)
}
