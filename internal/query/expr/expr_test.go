package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

var testSchema = types.NewSchema(
	types.ColumnDef{Name: "Item", Type: types.TypeString},
	types.ColumnDef{Name: "OrderDate", Type: types.TypeDate, Nullable: true},
	types.ColumnDef{Name: "Quantity", Type: types.TypeInteger, Nullable: true},
	types.ColumnDef{Name: "UnitPrice", Type: types.TypeFloat},
	types.ColumnDef{Name: "Shipped", Type: types.TypeBoolean, Nullable: true},
)

func testRow() types.Row {
	return types.Row{"SO43701-1", types.NewDate(2021, 6, 1), int64(3), 2.5, nil}
}

func eval(t *testing.T, e Expr) interface{} {
	t.Helper()
	c, err := Compile(e, testSchema)
	require.NoError(t, err)
	v, err := c.Eval(testRow())
	require.NoError(t, err)
	return v
}

func TestCompileScalars(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		want interface{}
	}{
		{"column", Col("Item"), "SO43701-1"},
		{"int add", Add(Col("Quantity"), Lit(2)), int64(5)},
		{"mixed mul", Mul(Col("Quantity"), Col("UnitPrice")), 7.5},
		{"div is float", Div(Col("Quantity"), Lit(2)), 1.5},
		{"null arithmetic", Add(Col("Quantity"), Lit(nil)), nil},
		{"year", Year(Col("OrderDate")), int64(2021)},
		{"month", Month(Col("OrderDate")), int64(6)},
		{"quarter", Quarter(Col("OrderDate")), int64(2)},
		{"split_part", SplitPart(Col("Item"), "-", 1), "SO43701"},
		{"split_part out of range", SplitPart(Col("Item"), "-", 5), nil},
		{"upper", Upper(Lit("abc")), "ABC"},
		{"length", Length(Col("Item")), int64(9)},
		{"substr", Call("substr", Col("Item"), Lit(3), Lit(5)), "43701"},
		{"concat skips null", Concat(Col("Item"), Lit(nil), Lit("/"), Col("Quantity")), "SO43701-1/3"},
		{"coalesce", Coalesce(Col("Shipped"), Lit(true)), true},
		{"coalesce widens", Coalesce(Col("Quantity"), Lit(1.5)), 3.0},
		{"round digits", Call("round", Lit(2.346), Lit(2)), 2.35},
		{"floor int", Call("floor", Col("Quantity")), int64(3)},
		{"abs", Call("abs", Lit(-4)), int64(4)},
		{"to_date", ToDate(Lit("2021-06-01")), types.NewDate(2021, 6, 1)},
		{"cast to integer", Cast(Lit("42"), types.TypeInteger), int64(42)},
		{"cast to string", Cast(Col("OrderDate"), types.TypeString), "2021-06-01"},
		{"negate", Neg(Col("Quantity")), int64(-3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, tt.expr))
		})
	}
}

func TestCompilePredicates(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		want interface{}
	}{
		{"eq", Eq(Col("Quantity"), Lit(3)), true},
		{"int vs float", Lt(Col("Quantity"), Lit(3.5)), true},
		{"date vs string literal", Ge(Col("OrderDate"), Lit("2021-01-01")), true},
		{"null comparison", Eq(Col("Shipped"), Lit(true)), nil},
		{"is null", IsNull(Col("Shipped")), true},
		{"is not null", IsNotNull(Col("Item")), true},
		{"in", In(Col("Quantity"), Lit(1), Lit(3)), true},
		{"not in", &InExpr{Operand: Col("Quantity"), Values: []Expr{Lit(1), Lit(2)}, Not: true}, true},
		{"in with null", In(Col("Quantity"), Lit(1), Lit(nil)), nil},
		{"between", Between(Col("UnitPrice"), Lit(2), Lit(3)), true},
		{"like", Like(Col("Item"), "SO%-_"), true},
		{"like no match", Like(Col("Item"), "SO%-__"), false},
		{"like literal dot", Like(Lit("a.c"), "abc"), false},
		{"false and null", And(Lit(false), Col("Shipped")), false},
		{"true and null", And(Lit(true), Col("Shipped")), nil},
		{"true or null", Or(Col("Shipped"), Lit(true)), true},
		{"false or null", Or(Lit(false), Col("Shipped")), nil},
		{"not null", Not(Col("Shipped")), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, tt.expr))
		})
	}
}

func TestShortCircuitSkipsRightOperand(t *testing.T) {
	// The right side would fail with division by zero if evaluated.
	e := And(Lit(false), Gt(Div(Col("Quantity"), Lit(0)), Lit(1)))
	assert.Equal(t, false, eval(t, e))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		code string
	}{
		{"unknown column", Col("Nope"), terrors.CodeUnknownColumn},
		{"unknown function", Call("explode", Col("Item")), terrors.CodeUnknownFunction},
		{"arity", Call("year"), terrors.CodeUnknownFunction},
		{"string plus int", Add(Col("Item"), Lit(1)), terrors.CodeTypeIncompatible},
		{"compare string with int", Eq(Col("Item"), Lit(1)), terrors.CodeTypeIncompatible},
		{"year of string", Year(Col("Item")), terrors.CodeTypeIncompatible},
		{"and of ints", And(Col("Quantity"), Lit(true)), terrors.CodeTypeIncompatible},
		{"bad date literal", Eq(Col("OrderDate"), Lit("June")), terrors.CodeTypeIncompatible},
		{"cast date to int", Cast(Col("OrderDate"), types.TypeInteger), terrors.CodeTypeIncompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.expr, testSchema)
			require.Error(t, err)
			assert.Equal(t, terrors.ErrCategoryPlan, terrors.GetCategory(err))
			assert.Equal(t, tt.code, terrors.GetCode(err))
		})
	}
}

func TestCompilePredicateRequiresBoolean(t *testing.T) {
	_, err := CompilePredicate(Col("Quantity"), testSchema)
	assert.Equal(t, terrors.CodeTypeIncompatible, terrors.GetCode(err))

	c, err := CompilePredicate(Gt(Col("Quantity"), Lit(1)), testSchema)
	require.NoError(t, err)
	ok, err := c.Holds(testRow())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluationErrors(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		code string
	}{
		{"division by zero", Div(Col("UnitPrice"), Lit(0)), terrors.CodeDivisionByZero},
		{"overflow", Mul(Lit(int64(1)<<62), Lit(4)), terrors.CodeOverflow},
		{"unparseable date", ToDate(Lit("01/02/2021")), terrors.CodeInvalidValue},
		{"bad cast", Cast(Col("Item"), types.TypeInteger), terrors.CodeInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.expr, testSchema)
			require.NoError(t, err)
			_, err = c.Eval(testRow())
			require.Error(t, err)
			assert.True(t, errors.Is(err, terrors.New(terrors.ErrCategoryEvaluation, tt.code, "")))
		})
	}
}

func TestNullability(t *testing.T) {
	tests := []struct {
		expr     Expr
		nullable bool
	}{
		{Col("Item"), false},
		{Col("Quantity"), true},
		{IsNull(Col("Quantity")), false},
		{Concat(Col("Quantity")), false},
		{Coalesce(Col("Quantity"), Lit(0)), false},
		{Coalesce(Col("Quantity"), Col("UnitPrice")), false},
		{Coalesce(Col("Quantity"), Col("Quantity")), true},
		{SplitPart(Col("Item"), "-", 2), true},
		{Upper(Col("Item")), false},
	}
	for _, tt := range tests {
		c, err := Compile(tt.expr, testSchema)
		require.NoError(t, err)
		assert.Equal(t, tt.nullable, c.Nullable, tt.expr.String())
	}
}

func TestStringAndColumns(t *testing.T) {
	e := And(Ge(Year(Col("OrderDate")), Lit(2020)), Or(Eq(Col("Item"), Lit("it's")), IsNull(Col("OrderDate"))))
	assert.Equal(t, "((year(OrderDate) >= 2020) AND ((Item = 'it''s') OR (OrderDate IS NULL)))", e.String())
	assert.Equal(t, []string{"OrderDate", "Item"}, Columns(e))
	assert.Len(t, Conjuncts(e), 2)
	assert.Nil(t, Conjuncts(nil))
}

func TestAggregationNames(t *testing.T) {
	assert.Equal(t, "sum(Quantity)", Sum(Col("Quantity")).Name())
	assert.Equal(t, "count(*)", Count().Name())
	assert.Equal(t, "count(Item)", CountOf(Col("Item")).Name())
	assert.Equal(t, "count_distinct(Item)", CountDistinct(Col("Item")).Name())
	assert.Equal(t, "avg(Quantity * UnitPrice)", Avg(Mul(Col("Quantity"), Col("UnitPrice"))).Name())
	assert.Equal(t, "revenue", Sum(Col("UnitPrice")).As("revenue").Name())
}

func TestAggregationBind(t *testing.T) {
	b, err := Sum(Col("Quantity")).Bind(testSchema)
	require.NoError(t, err)
	assert.Equal(t, types.TypeInteger, b.Type)
	assert.True(t, b.Nullable())

	b, err = Avg(Col("Quantity")).Bind(testSchema)
	require.NoError(t, err)
	assert.Equal(t, types.TypeFloat, b.Type)

	b, err = Count().Bind(testSchema)
	require.NoError(t, err)
	assert.Equal(t, types.TypeInteger, b.Type)
	assert.False(t, b.Nullable())

	b, err = Max(Col("OrderDate")).Bind(testSchema)
	require.NoError(t, err)
	assert.Equal(t, types.TypeDate, b.Type)

	_, err = Sum(Col("Item")).Bind(testSchema)
	assert.Equal(t, terrors.CodeTypeIncompatible, terrors.GetCode(err))
	_, err = Sum(nil).Bind(testSchema)
	assert.Equal(t, terrors.CodeInvalidPlan, terrors.GetCode(err))
}
