package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// ValidateRow coerces raw text fields into a typed row. A row either
// converts completely or fails with a SchemaError; no partially-typed row is
// ever returned.
func ValidateRow(h *Handle, raw []string) (types.Row, error) {
	cols := h.schema.Columns
	if len(raw) > len(cols) {
		return nil, terrors.NewSchemaError(terrors.CodeRowArity,
			fmt.Sprintf("row has %d fields, schema has %d columns", len(raw), len(cols))).
			WithDetail("fields", len(raw))
	}

	row := make(types.Row, len(cols))
	for i, col := range cols {
		if i >= len(raw) {
			if !col.Nullable {
				return nil, terrors.NewSchemaError(terrors.CodeRowArity,
					fmt.Sprintf("row has %d fields, missing required column %q", len(raw), col.Name)).
					WithDetails(map[string]interface{}{"column": col.Name, "fields": len(raw)})
			}
			continue
		}
		v, err := CoerceField(col, raw[i])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// CoerceField converts one raw field to the column's type. String columns
// take the text verbatim. For every other type an empty field is NULL when
// the column is nullable and a NULL_VIOLATION otherwise.
func CoerceField(col types.ColumnDef, raw string) (interface{}, error) {
	if col.Type == types.TypeString {
		return raw, nil
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		if col.Nullable {
			return nil, nil
		}
		return nil, terrors.NewSchemaError(terrors.CodeNullViolation,
			fmt.Sprintf("column %q is not nullable", col.Name)).WithDetail("column", col.Name)
	}

	v, err := parseTyped(col.Type, text)
	if err != nil {
		return nil, terrors.Wrap(terrors.ErrCategorySchema, terrors.CodeTypeMismatch,
			fmt.Sprintf("column %q expects %s", col.Name, col.Type), err).
			WithDetails(map[string]interface{}{"column": col.Name, "value": raw})
	}
	return v, nil
}

func parseTyped(t types.ColumnType, text string) (interface{}, error) {
	switch t {
	case types.TypeInteger:
		return strconv.ParseInt(text, 10, 64)
	case types.TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite float %q", text)
		}
		return f, nil
	case types.TypeDate:
		return types.ParseDate(text)
	case types.TypeBoolean:
		return parseBool(text)
	default:
		return nil, fmt.Errorf("unsupported type %q", t)
	}
}

func parseBool(text string) (bool, error) {
	switch strings.ToLower(text) {
	case "true", "t", "1", "yes", "y":
		return true, nil
	case "false", "f", "0", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", text)
}
