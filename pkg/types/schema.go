package types

import (
	"fmt"
	"strings"
)

// ColumnType is one of the closed set of scalar column types.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeInteger ColumnType = "integer"
	TypeFloat   ColumnType = "float"
	TypeDate    ColumnType = "date"
	TypeBoolean ColumnType = "boolean"

	// TypeNull is the type of an untyped NULL literal. It never appears in a
	// declared schema.
	TypeNull ColumnType = "null"
)

// ColumnTypes lists every declarable column type.
var ColumnTypes = []ColumnType{TypeString, TypeInteger, TypeFloat, TypeDate, TypeBoolean}

// Valid reports whether t may be used in a schema.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeDate, TypeBoolean:
		return true
	}
	return false
}

// IsNumeric reports whether t is integer or float.
func (t ColumnType) IsNumeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// ParseColumnType converts a type name to a ColumnType. Common SQL spellings
// are accepted as aliases.
func ParseColumnType(name string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "text", "varchar", "utf8":
		return TypeString, nil
	case "integer", "int", "bigint", "long", "int64":
		return TypeInteger, nil
	case "float", "double", "real", "float64":
		return TypeFloat, nil
	case "date":
		return TypeDate, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	default:
		return "", fmt.Errorf("unknown column type: %q", name)
	}
}

// Schema is an ordered list of typed columns.
type Schema struct {
	// Columns defines the columns in declaration order
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name, unique within a schema
	Name string `json:"name"`

	// Type is the column's scalar type
	Type ColumnType `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`
}

// NewSchema builds a schema from column definitions.
func NewSchema(columns ...ColumnDef) Schema {
	return Schema{Columns: append([]ColumnDef(nil), columns...)}
}

// Len returns the number of columns.
func (s Schema) Len() int {
	return len(s.Columns)
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the named column definition.
func (s Schema) Lookup(name string) (ColumnDef, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Columns[i], true
	}
	return ColumnDef{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Equal reports whether both schemas have the same columns in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		if s.Columns[i] != other.Columns[i] {
			return false
		}
	}
	return true
}

// String renders the schema as "(name:type, name:type?)". A trailing "?"
// marks a nullable column.
func (s Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// String renders the column as "name:type", with "?" when nullable.
func (c ColumnDef) String() string {
	if c.Nullable {
		return fmt.Sprintf("%s:%s?", c.Name, c.Type)
	}
	return fmt.Sprintf("%s:%s", c.Name, c.Type)
}
