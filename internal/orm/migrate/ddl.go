package migrate

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// maxJoinDepth bounds the walk from a join column to the property it
// finally references
const maxJoinDepth = 32

// Generator renders CREATE TABLE statements for one dialect
type Generator struct {
	dialect query.Dialect
	types   *TypeMapper
}

// NewGenerator creates a generator for d
func NewGenerator(d query.Dialect) (*Generator, error) {
	types, err := NewTypeMapper(d)
	if err != nil {
		return nil, err
	}
	return &Generator{dialect: d, types: types}, nil
}

// Generate returns one statement per entity, dependencies first so that
// foreign keys always reference an existing table. Registries with owning
// cycles cannot be rendered.
func (g *Generator) Generate(registry *schema.Registry) ([]string, error) {
	if !registry.IsLinked() {
		if err := registry.Link(); err != nil {
			return nil, err
		}
	}
	order, err := registry.DependencyOrder()
	if err != nil {
		return nil, err
	}

	stmts := make([]string, 0, len(order))
	for _, name := range order {
		meta, err := registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		stmt, err := g.CreateTable(meta)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// CreateTable renders the statement for a linked entity. Join columns take
// the type of the column they reference; key columns are always NOT NULL.
func (g *Generator) CreateTable(meta *schema.Entity) (string, error) {
	var defs []string
	for _, c := range meta.Columns() {
		sqlType, err := g.columnType(meta, c, 0)
		if err != nil {
			return "", err
		}
		def := g.dialect.Quote(c) + " " + sqlType
		if meta.IsKeyColumn(c) || !nullable(meta, c) {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	defs = append(defs, "PRIMARY KEY ("+g.quoteList(meta.KeyColumns())+")")
	for _, rel := range meta.Relationships {
		if !rel.IsOwning() {
			continue
		}
		target := rel.TargetEntity()
		if target == nil {
			return "", fmt.Errorf("relationship %s is not linked", rel)
		}
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			g.quoteList(rel.LocalColumns()), g.dialect.Quote(target.Table), g.quoteList(rel.ReferencedColumns())))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", g.dialect.Quote(meta.Table))
	for i, def := range defs {
		b.WriteString("  ")
		b.WriteString(def)
		if i < len(defs)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String(), nil
}

// columnType resolves a property column directly and a join column
// through the target column it references
func (g *Generator) columnType(meta *schema.Entity, column string, depth int) (string, error) {
	if depth > maxJoinDepth {
		return "", fmt.Errorf("join column %s.%s: reference chain too deep", meta.Table, column)
	}
	if p, ok := meta.PropertyForColumn(column); ok {
		return g.types.MapType(p.Type)
	}
	for _, rel := range meta.Relationships {
		if !rel.IsOwning() {
			continue
		}
		for _, jc := range rel.JoinColumns {
			if jc.Local == column && rel.TargetEntity() != nil {
				return g.columnType(rel.TargetEntity(), jc.Referenced, depth+1)
			}
		}
	}
	return "", fmt.Errorf("column %s.%s has no property or join column", meta.Table, column)
}

// nullable reports whether a non-key column may hold NULL: a property
// says so itself, a join column only if every relationship writing it is
// optional
func nullable(meta *schema.Entity, column string) bool {
	if p, ok := meta.PropertyForColumn(column); ok {
		return p.Nullable
	}
	for _, rel := range meta.Relationships {
		if !rel.IsOwning() {
			continue
		}
		for _, jc := range rel.JoinColumns {
			if jc.Local == column && !rel.Nullable {
				return false
			}
		}
	}
	return true
}

func (g *Generator) quoteList(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = g.dialect.Quote(c)
	}
	return strings.Join(quoted, ", ")
}
