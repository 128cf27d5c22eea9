package planner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/executor"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/pkg/types"
)

var salesSchema = types.NewSchema(
	types.ColumnDef{Name: "Item", Type: types.TypeString},
	types.ColumnDef{Name: "OrderDate", Type: types.TypeDate},
	types.ColumnDef{Name: "Quantity", Type: types.TypeInteger, Nullable: true},
	types.ColumnDef{Name: "UnitPrice", Type: types.TypeFloat},
)

func salesCatalog(t *testing.T) map[string]plan.Node {
	t.Helper()
	src, err := plan.NewRowsSource("sales", salesSchema, []types.Row{
		{"Mountain-100", types.NewDate(2019, 3, 1), int64(2), 10.0},
		{"Road-150", types.NewDate(2021, 6, 1), int64(1), 20.0},
		{"Mountain-100", types.NewDate(2021, 7, 9), int64(3), 10.0},
		{"Touring-1000", types.NewDate(2020, 1, 5), nil, 30.0},
		{"Road-150", types.NewDate(2021, 12, 24), int64(4), 20.0},
		{"Road-150", types.NewDate(2019, 2, 2), int64(5), 18.0},
	})
	require.NoError(t, err)
	return map[string]plan.Node{"sales": plan.NewScan(src)}
}

func run(t *testing.T, n plan.Node) *executor.Result {
	t.Helper()
	res, err := executor.New(executor.Config{Parallelism: 4}).Execute(context.Background(), executor.ActionCollect, n)
	require.NoError(t, err)
	return res
}

func runSQL(t *testing.T, sql string) *executor.Result {
	t.Helper()
	n, err := Translate(sql, salesCatalog(t))
	require.NoError(t, err)
	return run(t, n)
}

func TestTranslate_MatchesBuilderPlan(t *testing.T) {
	catalog := salesCatalog(t)

	sqlPlan, err := Translate("SELECT Item, SUM(Quantity) FROM sales GROUP BY Item", catalog)
	require.NoError(t, err)

	projected, err := plan.NewProject(catalog["sales"], "Item", "Quantity")
	require.NoError(t, err)
	built, err := plan.NewAggregate(projected, []string{"Item"}, []expr.Aggregation{expr.Sum(expr.Col("Quantity"))})
	require.NoError(t, err)

	fromSQL, fromBuilder := run(t, sqlPlan), run(t, built)
	assert.Equal(t, fromBuilder.Schema.Names(), fromSQL.Schema.Names())
	assert.Equal(t, fromBuilder.Rows, fromSQL.Rows)
	assert.Equal(t, []types.Row{
		{"Mountain-100", int64(5)},
		{"Road-150", int64(10)},
		{"Touring-1000", nil},
	}, fromSQL.Rows)
}

func TestTranslate_PlanShape(t *testing.T) {
	n, err := Translate(`SELECT year(OrderDate) AS Year, COUNT(*) AS n
		FROM sales WHERE UnitPrice > 5
		GROUP BY year(OrderDate) HAVING COUNT(*) > 1
		ORDER BY Year DESC LIMIT 2`, salesCatalog(t))
	require.NoError(t, err)

	var kinds []plan.Kind
	for cur := n; cur != nil; {
		kinds = append(kinds, cur.Kind())
		children := cur.Children()
		if len(children) == 0 {
			break
		}
		cur = children[0]
	}
	assert.Equal(t, []plan.Kind{
		plan.KindLimit, plan.KindSort, plan.KindProject, plan.KindFilter,
		plan.KindAggregate, plan.KindDerive, plan.KindFilter, plan.KindScan,
	}, kinds)
	assert.True(t, strings.HasPrefix(plan.Explain(n), "Limit 2 offset=0 (Year:integer"))
}

func TestTranslate_Queries(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		columns []string
		rows    []types.Row
	}{
		{
			name:    "star with filter",
			sql:     "SELECT * FROM sales WHERE Quantity >= 4",
			columns: []string{"Item", "OrderDate", "Quantity", "UnitPrice"},
			rows: []types.Row{
				{"Road-150", types.NewDate(2021, 12, 24), int64(4), 20.0},
				{"Road-150", types.NewDate(2019, 2, 2), int64(5), 18.0},
			},
		},
		{
			name:    "computed item with default name",
			sql:     "SELECT Item, Quantity * 2 FROM sales WHERE Item LIKE 'Mountain%'",
			columns: []string{"Item", "Quantity * 2"},
			rows:    []types.Row{{"Mountain-100", int64(4)}, {"Mountain-100", int64(6)}},
		},
		{
			name:    "distinct order limit offset",
			sql:     "SELECT DISTINCT Item FROM sales ORDER BY Item DESC LIMIT 2 OFFSET 1",
			columns: []string{"Item"},
			rows:    []types.Row{{"Road-150"}, {"Mountain-100"}},
		},
		{
			name:    "order by column not selected",
			sql:     "SELECT Item FROM sales WHERE Quantity IS NOT NULL ORDER BY Quantity DESC LIMIT 2",
			columns: []string{"Item"},
			rows:    []types.Row{{"Road-150"}, {"Road-150"}},
		},
		{
			name:    "order by position and expression",
			sql:     "SELECT Item, UnitPrice FROM sales ORDER BY 2, Quantity * -1",
			columns: []string{"Item", "UnitPrice"},
			rows: []types.Row{
				{"Mountain-100", 10.0}, {"Mountain-100", 10.0}, {"Road-150", 18.0},
				{"Road-150", 20.0}, {"Road-150", 20.0}, {"Touring-1000", 30.0},
			},
		},
		{
			name:    "aggregates without keys",
			sql:     "SELECT COUNT(*), COUNT(Quantity), COUNT(DISTINCT Item), MIN(OrderDate), AVG(UnitPrice) FROM sales",
			columns: []string{"count(*)", "count(Quantity)", "count_distinct(Item)", "min(OrderDate)", "avg(UnitPrice)"},
			rows:    []types.Row{{int64(6), int64(5), int64(3), types.NewDate(2019, 2, 2), 18.0}},
		},
		{
			name:    "group by alias with having on hidden aggregate",
			sql:     "SELECT year(OrderDate) AS Year, SUM(Quantity * UnitPrice) AS revenue FROM sales GROUP BY Year HAVING MAX(Quantity) > 2 ORDER BY revenue",
			columns: []string{"Year", "revenue"},
			rows:    []types.Row{{int64(2019), 110.0}, {int64(2021), 130.0}},
		},
		{
			name:    "expression over aggregates",
			sql:     "SELECT Item, SUM(Quantity) * 10 AS tens FROM sales GROUP BY 1 ORDER BY COUNT(*) DESC, Item",
			columns: []string{"Item", "tens"},
			rows:    []types.Row{{"Road-150", int64(100)}, {"Mountain-100", int64(50)}, {"Touring-1000", nil}},
		},
		{
			name:    "cast and date literal",
			sql:     "SELECT CAST(Quantity AS float) AS q FROM sales WHERE OrderDate >= DATE '2021-07-01'",
			columns: []string{"q"},
			rows:    []types.Row{{3.0}, {4.0}},
		},
		{
			name:    "date compared with string",
			sql:     "SELECT Item FROM sales s WHERE s.OrderDate BETWEEN '2020-01-01' AND '2020-12-31'",
			columns: []string{"Item"},
			rows:    []types.Row{{"Touring-1000"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runSQL(t, tt.sql)
			assert.Equal(t, tt.columns, res.Schema.Names())
			assert.Equal(t, tt.rows, res.Rows)
		})
	}
}

func TestTranslate_Errors(t *testing.T) {
	tests := []struct {
		sql      string
		category terrors.ErrorCategory
		code     string
	}{
		{"SELECT * FROM nowhere", terrors.ErrCategoryPlan, terrors.CodeUnknownTable},
		{"SELECT Missing FROM sales", terrors.ErrCategoryPlan, terrors.CodeUnknownColumn},
		{"SELECT x.Item FROM sales", terrors.ErrCategoryPlan, terrors.CodeUnknownTable},
		{"SELECT Item, Quantity FROM sales GROUP BY Item", terrors.ErrCategoryPlan, terrors.CodeInvalidPlan},
		{"SELECT Item FROM sales WHERE SUM(Quantity) > 1", terrors.ErrCategoryPlan, terrors.CodeInvalidPlan},
		{"SELECT Item FROM sales WHERE Item", terrors.ErrCategoryPlan, terrors.CodeTypeIncompatible},
		{"SELECT nope(Item) FROM sales", terrors.ErrCategoryPlan, terrors.CodeUnknownFunction},
		{"SELECT DISTINCT Item FROM sales ORDER BY Quantity", terrors.ErrCategoryPlan, terrors.CodeInvalidPlan},
		{"SELECT SUM(DISTINCT Quantity) FROM sales", terrors.ErrCategoryUnsupportedQuery, terrors.CodeUnsupportedConstruct},
		{"SELECT * FROM sales JOIN other ON sales.Item = other.Item", terrors.ErrCategoryUnsupportedQuery, terrors.CodeUnsupportedConstruct},
		{"SELECT * FROM sales WHERE", terrors.ErrCategoryUnsupportedQuery, terrors.CodeSyntaxError},
		{"SELECT CAST(Item AS blob) FROM sales", terrors.ErrCategoryPlan, terrors.CodeTypeIncompatible},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			_, err := Translate(tt.sql, salesCatalog(t))
			require.Error(t, err)
			assert.Equal(t, tt.category, terrors.GetCategory(err))
			assert.Equal(t, tt.code, terrors.GetCode(err))
		})
	}
}
