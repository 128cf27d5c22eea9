package plan

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/pkg/types"
)

var salesSchema = types.NewSchema(
	types.ColumnDef{Name: "Item", Type: types.TypeString},
	types.ColumnDef{Name: "OrderDate", Type: types.TypeDate},
	types.ColumnDef{Name: "Quantity", Type: types.TypeInteger, Nullable: true},
	types.ColumnDef{Name: "UnitPrice", Type: types.TypeFloat},
)

func salesScan(t *testing.T) *Scan {
	t.Helper()
	src, err := NewRowsSource("sales", salesSchema, []types.Row{
		{"A", types.NewDate(2019, 1, 1), int64(1), 10.0},
		{"B", types.NewDate(2021, 6, 1), nil, 20.0},
	})
	require.NoError(t, err)
	return NewScan(src)
}

func TestProjectSchema(t *testing.T) {
	p, err := NewProject(salesScan(t), "UnitPrice", "Item")
	require.NoError(t, err)
	assert.Equal(t, []string{"UnitPrice", "Item"}, p.Schema().Names())
	assert.Equal(t, []int{3, 0}, p.Indices)

	_, err = NewProject(salesScan(t), "Missing")
	assert.Equal(t, terrors.CodeUnknownColumn, terrors.GetCode(err))

	_, err = NewProject(salesScan(t), "Item", "Item")
	assert.Equal(t, terrors.CodeInvalidPlan, terrors.GetCode(err))
}

func TestDeriveAppendsOrReplaces(t *testing.T) {
	scan := salesScan(t)

	d, err := NewDerive(scan, "Year", expr.Year(expr.Col("OrderDate")))
	require.NoError(t, err)
	assert.Equal(t, 4, d.Index)
	assert.False(t, d.Replaces())
	col, _ := d.Schema().Lookup("Year")
	assert.Equal(t, types.TypeInteger, col.Type)
	assert.False(t, col.Nullable)

	d, err = NewDerive(scan, "Item", expr.Lower(expr.Col("Item")))
	require.NoError(t, err)
	assert.Equal(t, 0, d.Index)
	assert.True(t, d.Replaces())
	assert.Equal(t, salesSchema.Names(), d.Schema().Names())

	_, err = NewDerive(scan, "Nothing", expr.Lit(nil))
	assert.Equal(t, terrors.CodeTypeIncompatible, terrors.GetCode(err))
}

func TestFilterRequiresBoolean(t *testing.T) {
	_, err := NewFilter(salesScan(t), expr.Col("Quantity"))
	assert.Equal(t, terrors.CodeTypeIncompatible, terrors.GetCode(err))

	_, err = NewFilter(salesScan(t), expr.Gt(expr.Col("Missing"), expr.Lit(1)))
	assert.Equal(t, terrors.CodeUnknownColumn, terrors.GetCode(err))
}

func TestAggregateSchema(t *testing.T) {
	a, err := NewAggregate(salesScan(t), []string{"Item"}, []expr.Aggregation{
		expr.Sum(expr.Col("Quantity")),
		expr.Count(),
		expr.Avg(expr.Col("UnitPrice")).As("avg_price"),
	})
	require.NoError(t, err)

	s := a.Schema()
	assert.Equal(t, []string{"Item", "sum(Quantity)", "count(*)", "avg_price"}, s.Names())
	assert.Equal(t, "(Item:string, sum(Quantity):integer?, count(*):integer, avg_price:float?)", s.String())

	_, err = NewAggregate(salesScan(t), []string{"Item"}, []expr.Aggregation{expr.Count().As("Item")})
	assert.Equal(t, terrors.CodeInvalidPlan, terrors.GetCode(err))
}

func TestSortAndLimit(t *testing.T) {
	s, err := NewSort(salesScan(t), Desc("UnitPrice"), Asc("Item"))
	require.NoError(t, err)
	assert.Equal(t, "OrderBy UnitPrice DESC, Item ASC", s.String())

	_, err = NewSort(salesScan(t), Asc("Nope"))
	assert.Equal(t, terrors.CodeUnknownColumn, terrors.GetCode(err))

	_, err = NewLimit(salesScan(t), -1, 10)
	assert.Error(t, err)
}

func TestExplain(t *testing.T) {
	f, err := NewFilter(salesScan(t), expr.Gt(expr.Col("UnitPrice"), expr.Lit(5)))
	require.NoError(t, err)
	p, err := NewProject(f, "Item")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(Explain(p)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Project Item (Item:string)", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "  Filter (UnitPrice > 5)"))
	assert.True(t, strings.HasPrefix(lines[2], "    Scan rows(sales, 2 rows)"))
}

func TestRowsSourceValidatesAndCopies(t *testing.T) {
	_, err := NewRowsSource("bad", salesSchema, []types.Row{{"A", types.NewDate(2019, 1, 1), "1", 10.0}})
	assert.Equal(t, terrors.CodeTypeMismatch, terrors.GetCode(err))

	_, err = NewRowsSource("bad", salesSchema, []types.Row{{nil, types.NewDate(2019, 1, 1), nil, 10.0}})
	assert.Equal(t, terrors.CodeNullViolation, terrors.GetCode(err))

	_, err = NewRowsSource("bad", salesSchema, []types.Row{{"A"}})
	assert.Equal(t, terrors.CodeRowArity, terrors.GetCode(err))

	rows := []types.Row{{"A", types.NewDate(2019, 1, 1), int64(1), 10.0}}
	src, err := NewRowsSource("ok", salesSchema, rows)
	require.NoError(t, err)
	rows[0][0] = "changed"

	res, err := src.Scan(context.Background(), ScanRequest{})
	require.NoError(t, err)
	assert.Equal(t, "A", res.Rows[0][0])
	assert.EqualValues(t, 1, res.Stats.RowsRead)
}
