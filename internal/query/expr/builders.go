package expr

import (
	"time"

	"github.com/tabuladb/tabula/pkg/types"
)

// Col references a column.
func Col(name string) Expr { return &ColumnExpr{Name: name} }

// Lit wraps a Go constant. Go integer and float kinds are widened to int64
// and float64, and times are truncated to their UTC date.
func Lit(v interface{}) Expr { return &LiteralExpr{Value: normalize(v)} }

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return types.TruncateDate(x)
	default:
		return v
	}
}

func Eq(l, r Expr) Expr  { return &BinaryExpr{Op: OpEq, Left: l, Right: r} }
func Ne(l, r Expr) Expr  { return &BinaryExpr{Op: OpNe, Left: l, Right: r} }
func Lt(l, r Expr) Expr  { return &BinaryExpr{Op: OpLt, Left: l, Right: r} }
func Le(l, r Expr) Expr  { return &BinaryExpr{Op: OpLe, Left: l, Right: r} }
func Gt(l, r Expr) Expr  { return &BinaryExpr{Op: OpGt, Left: l, Right: r} }
func Ge(l, r Expr) Expr  { return &BinaryExpr{Op: OpGe, Left: l, Right: r} }
func Add(l, r Expr) Expr { return &BinaryExpr{Op: OpAdd, Left: l, Right: r} }
func Sub(l, r Expr) Expr { return &BinaryExpr{Op: OpSub, Left: l, Right: r} }
func Mul(l, r Expr) Expr { return &BinaryExpr{Op: OpMul, Left: l, Right: r} }
func Div(l, r Expr) Expr { return &BinaryExpr{Op: OpDiv, Left: l, Right: r} }

// And combines predicates with AND. A single argument is returned as is.
func And(first Expr, rest ...Expr) Expr {
	out := first
	for _, e := range rest {
		out = &BinaryExpr{Op: OpAnd, Left: out, Right: e}
	}
	return out
}

// Or combines predicates with OR.
func Or(first Expr, rest ...Expr) Expr {
	out := first
	for _, e := range rest {
		out = &BinaryExpr{Op: OpOr, Left: out, Right: e}
	}
	return out
}

func Not(e Expr) Expr       { return &UnaryExpr{Op: OpNot, Operand: e} }
func Neg(e Expr) Expr       { return &UnaryExpr{Op: OpNeg, Operand: e} }
func IsNull(e Expr) Expr    { return &IsNullExpr{Operand: e} }
func IsNotNull(e Expr) Expr { return &IsNullExpr{Operand: e, Not: true} }

func In(e Expr, values ...Expr) Expr { return &InExpr{Operand: e, Values: values} }

func Between(e, low, high Expr) Expr { return &BetweenExpr{Operand: e, Low: low, High: high} }

func Like(e Expr, pattern string) Expr {
	return &LikeExpr{Operand: e, Pattern: Lit(pattern)}
}

func Cast(e Expr, to types.ColumnType) Expr { return &CastExpr{Operand: e, To: to} }

// Call invokes a scalar function by name.
func Call(name string, args ...Expr) Expr { return &CallExpr{Name: name, Args: args} }

func Year(e Expr) Expr    { return Call("year", e) }
func Month(e Expr) Expr   { return Call("month", e) }
func Day(e Expr) Expr     { return Call("day", e) }
func Quarter(e Expr) Expr { return Call("quarter", e) }
func ToDate(e Expr) Expr  { return Call("to_date", e) }
func Upper(e Expr) Expr   { return Call("upper", e) }
func Lower(e Expr) Expr   { return Call("lower", e) }
func Trim(e Expr) Expr    { return Call("trim", e) }
func Length(e Expr) Expr  { return Call("length", e) }

// SplitPart returns the n-th (1-based) field of e split on sep.
func SplitPart(e Expr, sep string, n int) Expr {
	return Call("split_part", e, Lit(sep), Lit(n))
}

func Concat(args ...Expr) Expr   { return Call("concat", args...) }
func Coalesce(args ...Expr) Expr { return Call("coalesce", args...) }
