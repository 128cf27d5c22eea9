package partition

import (
	"fmt"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// SchemaValidator validates rows against a declared schema.
type SchemaValidator struct {
	schema types.Schema
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator(schema types.Schema) *SchemaValidator {
	return &SchemaValidator{schema: schema}
}

// ValidateRow checks arity, nullability and value types of one row.
func (v *SchemaValidator) ValidateRow(row types.Row, rowIndex int) error {
	if len(row) != v.schema.Len() {
		return terrors.NewSchemaError(terrors.CodeRowArity,
			fmt.Sprintf("row has %d values, schema has %d columns", len(row), v.schema.Len())).
			WithDetail("row", rowIndex)
	}
	for i, col := range v.schema.Columns {
		val := row[i]
		if val == nil {
			if !col.Nullable {
				return terrors.NewSchemaError(terrors.CodeNullViolation,
					fmt.Sprintf("column %q is not nullable", col.Name)).
					WithDetails(map[string]interface{}{"row": rowIndex, "column": col.Name})
			}
			continue
		}
		if !types.Conforms(val, col.Type) {
			return terrors.NewSchemaError(terrors.CodeTypeMismatch,
				fmt.Sprintf("column %q expects %s, got %T", col.Name, col.Type, val)).
				WithDetails(map[string]interface{}{"row": rowIndex, "column": col.Name, "value": val})
		}
	}
	return nil
}

// Validate returns the error of the first invalid row.
func (v *SchemaValidator) Validate(rows []types.Row) error {
	for i, row := range rows {
		if err := v.ValidateRow(row, i); err != nil {
			return err
		}
	}
	return nil
}

// ValidateKeys checks the partition keys of a write: every key must be a
// column of schema, appear once and have an encodable name, and at least
// one column must remain for the data files.
func ValidateKeys(schema types.Schema, keys types.PartitionKey) error {
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if schema.Index(k) < 0 {
			return terrors.NewPlanError(terrors.CodeUnknownColumn, fmt.Sprintf("unknown partition column %q", k)).
				WithDetail("column", k)
		}
		if seen[k] {
			return terrors.NewSchemaError(terrors.CodeDuplicateColumn, fmt.Sprintf("partition column %q listed twice", k)).
				WithDetail("column", k)
		}
		seen[k] = true
		if err := checkKeyName(k); err != nil {
			return err
		}
	}
	if len(keys) >= schema.Len() {
		return terrors.NewSchemaError(terrors.CodeInvalidSchema, "every column is a partition key; no data columns remain")
	}
	return nil
}
