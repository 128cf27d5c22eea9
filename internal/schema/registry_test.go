package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

func salesSchema() types.Schema {
	return types.NewSchema(
		types.ColumnDef{Name: "Item", Type: types.TypeString},
		types.ColumnDef{Name: "OrderDate", Type: types.TypeDate},
		types.ColumnDef{Name: "Quantity", Type: types.TypeInteger},
		types.ColumnDef{Name: "UnitPrice", Type: types.TypeFloat, Nullable: true},
		types.ColumnDef{Name: "Shipped", Type: types.TypeBoolean, Nullable: true},
	)
}

func TestRegistryDefine(t *testing.T) {
	reg := NewRegistry()

	h, err := reg.Define("sales", salesSchema())
	require.NoError(t, err)
	assert.Equal(t, "sales", h.Name())
	assert.True(t, h.Schema().Equal(salesSchema()))

	again, err := reg.Define("sales", salesSchema())
	require.NoError(t, err)
	assert.Same(t, h, again)

	changed := salesSchema()
	changed.Columns[2].Type = types.TypeFloat
	_, err = reg.Define("sales", changed)
	assert.Equal(t, terrors.CodeInvalidSchema, terrors.GetCode(err))

	got, ok := reg.Lookup("sales")
	require.True(t, ok)
	assert.Equal(t, h.Fingerprint(), got.Fingerprint())
	assert.Equal(t, []string{"sales"}, reg.Names())
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name   string
		schema types.Schema
		code   string
	}{
		{"empty", types.Schema{}, terrors.CodeInvalidSchema},
		{"blank name", types.NewSchema(types.ColumnDef{Name: "", Type: types.TypeString}), terrors.CodeInvalidSchema},
		{"duplicate", types.NewSchema(
			types.ColumnDef{Name: "a", Type: types.TypeString},
			types.ColumnDef{Name: "a", Type: types.TypeInteger},
		), terrors.CodeDuplicateColumn},
		{"bad type", types.NewSchema(types.ColumnDef{Name: "a", Type: "map"}), terrors.CodeUnknownType},
		{"null type", types.NewSchema(types.ColumnDef{Name: "a", Type: types.TypeNull}), terrors.CodeUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.schema)
			require.Error(t, err)
			assert.Equal(t, terrors.ErrCategorySchema, terrors.GetCategory(err))
			assert.Equal(t, tt.code, terrors.GetCode(err))
		})
	}
}

func TestValidateRow(t *testing.T) {
	h, err := NewHandle(salesSchema())
	require.NoError(t, err)

	row, err := ValidateRow(h, []string{"Widget", "2021-06-01", " 3 ", "20.5", "true"})
	require.NoError(t, err)
	assert.Equal(t, types.Row{"Widget", types.NewDate(2021, time.June, 1), int64(3), 20.5, true}, row)

	// Missing trailing nullable fields become NULL.
	row, err = ValidateRow(h, []string{"", "2021/06/01", "0"})
	require.NoError(t, err)
	assert.Equal(t, types.Row{"", types.NewDate(2021, time.June, 1), int64(0), nil, nil}, row)

	// Empty nullable non-string field is NULL.
	row, err = ValidateRow(h, []string{"x", "2021-06-01", "1", "", ""})
	require.NoError(t, err)
	assert.Nil(t, row[3])
	assert.Nil(t, row[4])
}

func TestValidateRowErrors(t *testing.T) {
	h, err := NewHandle(salesSchema())
	require.NoError(t, err)

	tests := []struct {
		name   string
		fields []string
		code   string
		column string
	}{
		{"non-numeric integer", []string{"x", "2021-06-01", "three"}, terrors.CodeTypeMismatch, "Quantity"},
		{"float in integer column", []string{"x", "2021-06-01", "1.5"}, terrors.CodeTypeMismatch, "Quantity"},
		{"non-numeric float", []string{"x", "2021-06-01", "1", "abc"}, terrors.CodeTypeMismatch, "UnitPrice"},
		{"nan float", []string{"x", "2021-06-01", "1", "NaN"}, terrors.CodeTypeMismatch, "UnitPrice"},
		{"ambiguous date", []string{"x", "01/02/2021", "1"}, terrors.CodeTypeMismatch, "OrderDate"},
		{"bad boolean", []string{"x", "2021-06-01", "1", "1.0", "maybe"}, terrors.CodeTypeMismatch, "Shipped"},
		{"empty required", []string{"x", "", "1"}, terrors.CodeNullViolation, "OrderDate"},
		{"missing required", []string{"x", "2021-06-01"}, terrors.CodeRowArity, "Quantity"},
		{"too many fields", []string{"x", "2021-06-01", "1", "1.0", "true", "extra"}, terrors.CodeRowArity, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := ValidateRow(h, tt.fields)
			require.Error(t, err)
			assert.Nil(t, row)
			assert.Equal(t, tt.code, terrors.GetCode(err))
			if tt.column != "" {
				te, ok := terrors.As(err)
				require.True(t, ok)
				assert.Equal(t, tt.column, te.Details["column"])
			}
		})
	}
}

func TestInfer(t *testing.T) {
	header := []string{"Item", "OrderDate", "UnitPrice", "Qty"}
	sample := [][]string{
		{"A", "2019-01-01", "10.0", "1"},
		{"B", "2021-06-01", "", "2"},
		{"C", "2021-06-02", "7", "x"},
	}

	s := Infer(header, sample)
	require.NoError(t, Validate(s))
	assert.Equal(t, []string{"Item", "OrderDate", "UnitPrice", "Qty"}, s.Names())
	assert.Equal(t, types.TypeString, s.Columns[0].Type)
	assert.Equal(t, types.TypeDate, s.Columns[1].Type)
	assert.Equal(t, types.TypeFloat, s.Columns[2].Type)
	assert.Equal(t, types.TypeString, s.Columns[3].Type)
	for _, c := range s.Columns {
		assert.True(t, c.Nullable)
	}

	noHeader := Infer(nil, [][]string{{"1", "a"}, {"2", "b", "2020-01-01"}})
	assert.Equal(t, []string{"_c0", "_c1", "_c2"}, noHeader.Names())
	assert.Equal(t, types.TypeFloat, noHeader.Columns[0].Type)
	assert.Equal(t, types.TypeDate, noHeader.Columns[2].Type)

	dup := Infer([]string{"a", "a", ""}, nil)
	assert.Equal(t, []string{"a", "a_1", "_c2"}, dup.Names())

	clash := Infer([]string{"a", "a", "a_1", "a"}, nil)
	assert.Equal(t, []string{"a", "a_2", "a_1", "a_3"}, clash.Names())
	_, err := NewHandle(clash)
	assert.NoError(t, err)
}
