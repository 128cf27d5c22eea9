package table

import (
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/pkg/types"
)

type (
	// Expr is a scalar expression over the columns of a table.
	Expr = expr.Expr
	// Aggregation is one aggregate of a GroupBy. Rename it with As.
	Aggregation = expr.Aggregation
	// SortKey orders by one column.
	SortKey = plan.SortKey
)

func Col(name string) Expr   { return expr.Col(name) }
func Lit(v interface{}) Expr { return expr.Lit(v) }

func Eq(l, r Expr) Expr  { return expr.Eq(l, r) }
func Ne(l, r Expr) Expr  { return expr.Ne(l, r) }
func Lt(l, r Expr) Expr  { return expr.Lt(l, r) }
func Le(l, r Expr) Expr  { return expr.Le(l, r) }
func Gt(l, r Expr) Expr  { return expr.Gt(l, r) }
func Ge(l, r Expr) Expr  { return expr.Ge(l, r) }
func Add(l, r Expr) Expr { return expr.Add(l, r) }
func Sub(l, r Expr) Expr { return expr.Sub(l, r) }
func Mul(l, r Expr) Expr { return expr.Mul(l, r) }
func Div(l, r Expr) Expr { return expr.Div(l, r) }

func And(first Expr, rest ...Expr) Expr { return expr.And(first, rest...) }
func Or(first Expr, rest ...Expr) Expr  { return expr.Or(first, rest...) }

func Not(e Expr) Expr       { return expr.Not(e) }
func IsNull(e Expr) Expr    { return expr.IsNull(e) }
func IsNotNull(e Expr) Expr { return expr.IsNotNull(e) }

func In(e Expr, values ...Expr) Expr        { return expr.In(e, values...) }
func Between(e, low, high Expr) Expr        { return expr.Between(e, low, high) }
func Like(e Expr, pattern string) Expr      { return expr.Like(e, pattern) }
func Cast(e Expr, to types.ColumnType) Expr { return expr.Cast(e, to) }

// Call applies a scalar function by name, as SQL would.
func Call(name string, args ...Expr) Expr { return expr.Call(name, args...) }

func Year(e Expr) Expr    { return expr.Year(e) }
func Month(e Expr) Expr   { return expr.Month(e) }
func Day(e Expr) Expr     { return expr.Day(e) }
func Quarter(e Expr) Expr { return expr.Quarter(e) }
func ToDate(e Expr) Expr  { return expr.ToDate(e) }
func Upper(e Expr) Expr   { return expr.Upper(e) }
func Lower(e Expr) Expr   { return expr.Lower(e) }
func Trim(e Expr) Expr    { return expr.Trim(e) }
func Length(e Expr) Expr  { return expr.Length(e) }

// SplitPart returns the n-th field of e split on sep, counting from 1.
func SplitPart(e Expr, sep string, n int) Expr { return expr.SplitPart(e, sep, n) }

func Concat(args ...Expr) Expr   { return expr.Concat(args...) }
func Coalesce(args ...Expr) Expr { return expr.Coalesce(args...) }

// Aggregations take column names. Use the Expr variants to aggregate a
// computed value.

func Sum(column string) Aggregation           { return expr.Sum(expr.Col(column)) }
func Count() Aggregation                      { return expr.Count() }
func CountOf(column string) Aggregation       { return expr.CountOf(expr.Col(column)) }
func CountDistinct(column string) Aggregation { return expr.CountDistinct(expr.Col(column)) }
func Avg(column string) Aggregation           { return expr.Avg(expr.Col(column)) }
func Min(column string) Aggregation           { return expr.Min(expr.Col(column)) }
func Max(column string) Aggregation           { return expr.Max(expr.Col(column)) }

func SumExpr(e Expr) Aggregation { return expr.Sum(e) }
func AvgExpr(e Expr) Aggregation { return expr.Avg(e) }

func Asc(column string) SortKey  { return plan.Asc(column) }
func Desc(column string) SortKey { return plan.Desc(column) }
