// Package migrate generates CREATE TABLE statements from a linked schema
// registry and applies them once per schema version.
package migrate

import (
	"fmt"

	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

var columnTypes = map[string]map[schema.PrimitiveType]string{
	"postgres": {
		schema.TypeString:    "VARCHAR(255)",
		schema.TypeText:      "TEXT",
		schema.TypeInt:       "INTEGER",
		schema.TypeBigInt:    "BIGINT",
		schema.TypeFloat:     "DOUBLE PRECISION",
		schema.TypeBool:      "BOOLEAN",
		schema.TypeTimestamp: "TIMESTAMP WITH TIME ZONE",
		schema.TypeUUID:      "UUID",
		schema.TypeBytes:     "BYTEA",
		schema.TypeJSON:      "JSONB",
	},
	"sqlite": {
		schema.TypeString:    "TEXT",
		schema.TypeText:      "TEXT",
		schema.TypeInt:       "INTEGER",
		schema.TypeBigInt:    "INTEGER",
		schema.TypeFloat:     "REAL",
		schema.TypeBool:      "BOOLEAN",
		schema.TypeTimestamp: "DATETIME",
		schema.TypeUUID:      "TEXT",
		schema.TypeBytes:     "BLOB",
		schema.TypeJSON:      "TEXT",
	},
}

// TypeMapper maps property types to the column types of one dialect
type TypeMapper struct {
	types map[schema.PrimitiveType]string
}

// NewTypeMapper returns the mapper for d
func NewTypeMapper(d query.Dialect) (*TypeMapper, error) {
	types, ok := columnTypes[d.Name()]
	if !ok {
		return nil, fmt.Errorf("no column types for dialect %s", d.Name())
	}
	return &TypeMapper{types: types}, nil
}

// MapType returns the column type for t
func (tm *TypeMapper) MapType(t schema.PrimitiveType) (string, error) {
	sqlType, ok := tm.types[t]
	if !ok {
		return "", fmt.Errorf("unsupported property type: %v", t)
	}
	return sqlType, nil
}
