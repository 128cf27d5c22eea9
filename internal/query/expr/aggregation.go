package expr

import (
	"fmt"
	"strings"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

// AggFunc names an aggregate function.
type AggFunc string

const (
	AggSum           AggFunc = "sum"
	AggCount         AggFunc = "count"
	AggCountDistinct AggFunc = "count_distinct"
	AggAvg           AggFunc = "avg"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
)

// Aggregation reduces the rows of a group to one value. A Count with a nil
// Arg is count(*).
type Aggregation struct {
	Func  AggFunc
	Arg   Expr
	Alias string
}

func Sum(e Expr) Aggregation           { return Aggregation{Func: AggSum, Arg: e} }
func Count() Aggregation               { return Aggregation{Func: AggCount} }
func CountOf(e Expr) Aggregation       { return Aggregation{Func: AggCount, Arg: e} }
func CountDistinct(e Expr) Aggregation { return Aggregation{Func: AggCountDistinct, Arg: e} }
func Avg(e Expr) Aggregation           { return Aggregation{Func: AggAvg, Arg: e} }
func Min(e Expr) Aggregation           { return Aggregation{Func: AggMin, Arg: e} }
func Max(e Expr) Aggregation           { return Aggregation{Func: AggMax, Arg: e} }

// As returns a copy of a with an explicit output column name.
func (a Aggregation) As(alias string) Aggregation {
	a.Alias = alias
	return a
}

// Name is the output column name: the alias if set, otherwise a
// deterministic default such as sum(Quantity) or count(*).
func (a Aggregation) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.String()
}

func (a Aggregation) String() string {
	if a.Arg == nil {
		return string(a.Func) + "(*)"
	}
	arg := a.Arg.String()
	if _, ok := a.Arg.(*BinaryExpr); ok {
		arg = strings.TrimSuffix(strings.TrimPrefix(arg, "("), ")")
	}
	return fmt.Sprintf("%s(%s)", a.Func, arg)
}

// BoundAggregation is an aggregation compiled against its input schema.
type BoundAggregation struct {
	Aggregation
	Input *Compiled
	Type  types.ColumnType
}

// Bind compiles the argument of a against s and resolves the result type.
func (a Aggregation) Bind(s types.Schema) (*BoundAggregation, error) {
	b := &BoundAggregation{Aggregation: a}
	if a.Arg == nil {
		if a.Func != AggCount {
			return nil, terrors.NewPlanError(terrors.CodeInvalidPlan,
				fmt.Sprintf("%s needs an argument", a.Func))
		}
		b.Type = types.TypeInteger
		return b, nil
	}

	arg, err := Compile(a.Arg, s)
	if err != nil {
		return nil, err
	}
	b.Input = arg

	switch a.Func {
	case AggCount, AggCountDistinct:
		b.Type = types.TypeInteger
	case AggSum:
		if !numericOrNull(arg.Type) {
			return nil, aggTypeError(a, arg.Type)
		}
		b.Type = arg.Type
		if b.Type == types.TypeNull {
			b.Type = types.TypeFloat
		}
	case AggAvg:
		if !numericOrNull(arg.Type) {
			return nil, aggTypeError(a, arg.Type)
		}
		b.Type = types.TypeFloat
	case AggMin, AggMax:
		b.Type = arg.Type
	default:
		return nil, terrors.NewPlanError(terrors.CodeUnknownFunction,
			fmt.Sprintf("unknown aggregate %q", a.Func))
	}
	return b, nil
}

// Nullable reports whether the aggregate can produce NULL. Counts never do.
func (b *BoundAggregation) Nullable() bool {
	return b.Func != AggCount && b.Func != AggCountDistinct
}

func aggTypeError(a Aggregation, t types.ColumnType) error {
	return terrors.NewPlanError(terrors.CodeTypeIncompatible,
		fmt.Sprintf("%s needs a numeric argument, got %s", a.Func, t)).WithDetail("expr", a.String())
}
