// Package manifest reads entity and filter declarations from YAML and
// builds a linked schema registry and filter engine from them.
//
//	entities:
//	  - name: User
//	    key: [org, id]
//	    properties: [id, name, {name: deletedAt, nullable: true}]
//	    relationships:
//	      - {name: org, kind: one, target: Organisation, join: [{local: org_id, referenced: id}]}
//	      - {name: requests, kind: many, target: Request, mappedBy: user}
//	filters:
//	  - {name: tenant, entity: User, cond: {name: !param tenant}}
//
// A relationship with mappedBy is the inverse side; every other
// relationship owns its join columns. Scalars tagged !param become filter
// parameters bound per query.
package manifest

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conduit-lang/relkit/internal/orm/filter"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// ErrInvalidManifest is returned for declarations that cannot be built
var ErrInvalidManifest = errors.New("invalid manifest")

// ParamTag marks a filter condition scalar as a parameter
const ParamTag = "!param"

// Manifest is the decoded YAML document
type Manifest struct {
	Entities []EntitySpec `yaml:"entities"`
	Filters  []FilterSpec `yaml:"filters"`
}

// EntitySpec declares one entity
type EntitySpec struct {
	Name          string             `yaml:"name"`
	Table         string             `yaml:"table"`
	Key           []string           `yaml:"key"`
	Properties    []PropertySpec     `yaml:"properties"`
	Relationships []RelationshipSpec `yaml:"relationships"`
}

// PropertySpec declares a property. A bare scalar is a non-nullable
// string property with the default column.
type PropertySpec struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column"`
	Nullable bool   `yaml:"nullable"`
	Type     string `yaml:"type"`
}

// UnmarshalYAML accepts either a name or a mapping
func (p *PropertySpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Name = value.Value
		return nil
	}
	type plain PropertySpec
	return value.Decode((*plain)(p))
}

// JoinSpec maps a local column to a target key column
type JoinSpec struct {
	Local      string `yaml:"local"`
	Referenced string `yaml:"referenced"`
}

// RelationshipSpec declares one side of a relationship
type RelationshipSpec struct {
	Name         string     `yaml:"name"`
	Kind         string     `yaml:"kind"`
	Target       string     `yaml:"target"`
	Nullable     bool       `yaml:"nullable"`
	Join         []JoinSpec `yaml:"join"`
	Own          []string   `yaml:"own"`
	MappedBy     string     `yaml:"mappedBy"`
	AllowPartial bool       `yaml:"allowPartial"`
}

// FilterSpec declares a named filter on one entity
type FilterSpec struct {
	Name    string    `yaml:"name"`
	Entity  string    `yaml:"entity"`
	Default bool      `yaml:"default"`
	Cond    yaml.Node `yaml:"cond"`
}

// Parse decodes a manifest document
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return &m, nil
}

// Load reads and decodes a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Registry registers every declared entity and links the registry
func (m *Manifest) Registry() (*schema.Registry, error) {
	registry := schema.NewRegistry()
	for i, spec := range m.Entities {
		e, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("%w: entity %d: %w", ErrInvalidManifest, i, err)
		}
		if err := registry.Register(e); err != nil {
			return nil, err
		}
	}
	if err := registry.Link(); err != nil {
		return nil, err
	}
	return registry, nil
}

// FilterEngine registers every declared filter against registry
func (m *Manifest) FilterEngine(registry *schema.Registry) (*filter.Engine, error) {
	engine := filter.NewEngine(registry)
	for _, spec := range m.Filters {
		cond, err := spec.condition()
		if err != nil {
			return nil, err
		}
		if err := engine.Register(filter.Definition{
			Name:    spec.Name,
			Entity:  spec.Entity,
			Cond:    cond,
			Default: spec.Default,
		}); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// Build returns the linked registry and its filter engine
func (m *Manifest) Build() (*schema.Registry, *filter.Engine, error) {
	registry, err := m.Registry()
	if err != nil {
		return nil, nil, err
	}
	engine, err := m.FilterEngine(registry)
	if err != nil {
		return nil, nil, err
	}
	return registry, engine, nil
}

func (s EntitySpec) build() (*schema.Entity, error) {
	if s.Name == "" {
		return nil, errors.New("entity has no name")
	}
	e := schema.NewEntity(s.Name)
	if s.Table != "" {
		e.Table = s.Table
	}
	e.PrimaryKey = append([]string(nil), s.Key...)

	for _, p := range s.Properties {
		if p.Name == "" {
			return nil, fmt.Errorf("%s: property has no name", s.Name)
		}
		t, err := schema.ParsePrimitiveType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.Name, p.Name, err)
		}
		e.AddTypedProperty(p.Name, t, p.Nullable)
		if p.Column != "" {
			e.Properties[len(e.Properties)-1].Column = p.Column
		}
	}

	for _, r := range s.Relationships {
		rel, err := r.build()
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.Name, r.Name, err)
		}
		e.AddRelationship(rel)
	}
	return e, nil
}

func (s RelationshipSpec) build() (*schema.Relationship, error) {
	kind := schema.ToOne
	if s.Kind != "" {
		k, err := schema.ParseRelationKind(s.Kind)
		if err != nil {
			return nil, err
		}
		kind = k
	}

	rel := &schema.Relationship{
		Name:         s.Name,
		Kind:         kind,
		Target:       s.Target,
		Nullable:     s.Nullable,
		AllowPartial: s.AllowPartial,
	}
	if s.MappedBy != "" {
		if len(s.Join) > 0 {
			return nil, errors.New("inverse relationship cannot declare join columns")
		}
		rel.Ownership = schema.Inverse
		rel.MappedBy = s.MappedBy
		return rel, nil
	}

	rel.Ownership = schema.Owning
	for _, j := range s.Join {
		rel.JoinColumns = append(rel.JoinColumns, schema.JoinColumn{Local: j.Local, Referenced: j.Referenced})
	}
	rel.OwnColumns = append([]string(nil), s.Own...)
	return rel, nil
}

func (s FilterSpec) condition() (query.Predicate, error) {
	if s.Cond.Kind == 0 {
		return query.Predicate{}, nil
	}
	v, err := decodeNode(&s.Cond)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %s: %w", ErrInvalidManifest, s.Name, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: filter %s: line %d: cond must be a mapping", ErrInvalidManifest, s.Name, s.Cond.Line)
	}
	return query.Predicate(m), nil
}

// decodeNode converts a YAML node into plain values, turning !param
// scalars into filter parameters
func decodeNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return decodeNode(n.Content[0])
	case yaml.AliasNode:
		return decodeNode(n.Alias)
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			if key.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
			}
			v, err := decodeNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[key.Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, len(n.Content))
		for i, item := range n.Content {
			v, err := decodeNode(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case yaml.ScalarNode:
		if n.Tag == ParamTag {
			if n.Value == "" {
				return nil, fmt.Errorf("line %d: empty parameter name", n.Line)
			}
			return filter.Param(n.Value), nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported node", n.Line)
	}
}
