package expr

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/pkg/types"
)

type evalFunc func(row types.Row) (interface{}, error)

// Compiled is an expression bound to a schema. Column references are
// resolved to positions and the result type is known.
type Compiled struct {
	Expr     Expr
	Type     types.ColumnType
	Nullable bool
	eval     evalFunc
}

// Eval evaluates the expression against a row of the compiled schema.
func (c *Compiled) Eval(row types.Row) (interface{}, error) {
	return c.eval(row)
}

// Holds reports whether a predicate is true for row. False and NULL both
// count as not holding.
func (c *Compiled) Holds(row types.Row) (bool, error) {
	v, err := c.eval(row)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Compile type-checks e against s and returns its evaluator. Unknown
// columns and functions and type-incompatible operands are reported as
// PlanBuildErrors before any data is touched.
func Compile(e Expr, s types.Schema) (*Compiled, error) {
	return compile(e, s)
}

// CompilePredicate compiles e and checks that it yields a boolean.
func CompilePredicate(e Expr, s types.Schema) (*Compiled, error) {
	c, err := compile(e, s)
	if err != nil {
		return nil, err
	}
	if c.Type != types.TypeBoolean && c.Type != types.TypeNull {
		return nil, planError(terrors.CodeTypeIncompatible, e,
			fmt.Sprintf("predicate must be boolean, got %s", c.Type))
	}
	return c, nil
}

func planError(code string, e Expr, msg string) *terrors.TabulaError {
	return terrors.NewPlanError(code, msg).WithDetail("expr", e.String())
}

func evalError(code string, e Expr, msg string) *terrors.TabulaError {
	return terrors.NewEvaluationError(code, msg).WithDetail("expr", e.String())
}

func compile(e Expr, s types.Schema) (*Compiled, error) {
	switch n := e.(type) {
	case *ColumnExpr:
		idx := s.Index(n.Name)
		if idx < 0 {
			return nil, terrors.NewPlanError(terrors.CodeUnknownColumn,
				fmt.Sprintf("unknown column %q", n.Name)).
				WithDetails(map[string]interface{}{"column": n.Name, "available": strings.Join(s.Names(), ",")})
		}
		col := s.Columns[idx]
		return &Compiled{Expr: e, Type: col.Type, Nullable: col.Nullable, eval: func(row types.Row) (interface{}, error) {
			return row[idx], nil
		}}, nil

	case *LiteralExpr:
		v := normalize(n.Value)
		t := types.TypeOf(v)
		if t == "" {
			return nil, planError(terrors.CodeTypeIncompatible, e, fmt.Sprintf("unsupported literal of type %T", n.Value))
		}
		return &Compiled{Expr: e, Type: t, Nullable: v == nil, eval: func(types.Row) (interface{}, error) {
			return v, nil
		}}, nil

	case *BinaryExpr:
		return compileBinary(n, s)

	case *UnaryExpr:
		return compileUnary(n, s)

	case *IsNullExpr:
		operand, err := compile(n.Operand, s)
		if err != nil {
			return nil, err
		}
		not := n.Not
		return &Compiled{Expr: e, Type: types.TypeBoolean, eval: func(row types.Row) (interface{}, error) {
			v, err := operand.eval(row)
			if err != nil {
				return nil, err
			}
			return (v == nil) != not, nil
		}}, nil

	case *InExpr:
		return compileIn(n, s)

	case *BetweenExpr:
		return compileBetween(n, s)

	case *LikeExpr:
		return compileLike(n, s)

	case *CastExpr:
		return compileCast(n, s)

	case *CallExpr:
		return compileCall(n, s)

	case nil:
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "nil expression")

	default:
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("unsupported expression %T", e))
	}
}

func isArithmetic(op string) bool {
	return op == OpAdd || op == OpSub || op == OpMul || op == OpDiv
}

func isComparison(op string) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

func compileBinary(n *BinaryExpr, s types.Schema) (*Compiled, error) {
	switch {
	case isArithmetic(n.Op):
		return compileArithmetic(n, s)
	case isComparison(n.Op):
		return compileComparison(n, s)
	case n.Op == OpAnd || n.Op == OpOr:
		return compileLogical(n, s)
	default:
		return nil, planError(terrors.CodeInvalidPlan, n, fmt.Sprintf("unknown operator %q", n.Op))
	}
}

func compileArithmetic(n *BinaryExpr, s types.Schema) (*Compiled, error) {
	l, err := compile(n.Left, s)
	if err != nil {
		return nil, err
	}
	r, err := compile(n.Right, s)
	if err != nil {
		return nil, err
	}
	if !numericOrNull(l.Type) || !numericOrNull(r.Type) {
		return nil, planError(terrors.CodeTypeIncompatible, n,
			fmt.Sprintf("operator %s needs numeric operands, got %s and %s", n.Op, l.Type, r.Type))
	}

	resultType := types.TypeFloat
	if n.Op != OpDiv && l.Type != types.TypeFloat && r.Type != types.TypeFloat {
		resultType = types.TypeInteger
	}

	op := n.Op
	return &Compiled{Expr: n, Type: resultType, Nullable: l.Nullable || r.Nullable, eval: func(row types.Row) (interface{}, error) {
		lv, err := l.eval(row)
		if err != nil {
			return nil, err
		}
		rv, err := r.eval(row)
		if err != nil {
			return nil, err
		}
		if lv == nil || rv == nil {
			return nil, nil
		}
		return arith(n, op, lv, rv)
	}}, nil
}

func arith(n Expr, op string, lv, rv interface{}) (interface{}, error) {
	li, lInt := lv.(int64)
	ri, rInt := rv.(int64)
	if lInt && rInt && op != OpDiv {
		var out int64
		overflow := false
		switch op {
		case OpAdd:
			out = li + ri
			overflow = (li > 0 && ri > 0 && out < 0) || (li < 0 && ri < 0 && out >= 0)
		case OpSub:
			out = li - ri
			overflow = (li >= 0 && ri < 0 && out < 0) || (li < 0 && ri > 0 && out >= 0)
		case OpMul:
			out = li * ri
			overflow = li != 0 && (out/li != ri || (li == -1 && ri == math.MinInt64))
		}
		if overflow {
			return nil, evalError(terrors.CodeOverflow, n, "integer overflow")
		}
		return out, nil
	}

	lf, _ := types.ToFloat(lv)
	rf, _ := types.ToFloat(rv)
	switch op {
	case OpAdd:
		return lf + rf, nil
	case OpSub:
		return lf - rf, nil
	case OpMul:
		return lf * rf, nil
	default:
		if rf == 0 {
			return nil, evalError(terrors.CodeDivisionByZero, n, "division by zero")
		}
		return lf / rf, nil
	}
}

func numericOrNull(t types.ColumnType) bool {
	return t.IsNumeric() || t == types.TypeNull
}

// orderable reports whether values of the two types can be ordered
// against each other.
func orderable(a, b types.ColumnType) bool {
	if a == types.TypeNull || b == types.TypeNull || a == b {
		return true
	}
	return a.IsNumeric() && b.IsNumeric()
}

// compileComparable compiles two operands that will be compared. A string
// literal compared against a date is parsed as a date at compile time so that
// predicates such as OrderDate >= '2021-01-01' work.
func compileComparable(parent Expr, left, right Expr, s types.Schema) (*Compiled, *Compiled, error) {
	l, err := compile(left, s)
	if err != nil {
		return nil, nil, err
	}
	r, err := compile(right, s)
	if err != nil {
		return nil, nil, err
	}
	if l.Type == types.TypeDate && r.Type == types.TypeString {
		if r, err = dateLiteral(parent, right); err != nil {
			return nil, nil, err
		}
	} else if r.Type == types.TypeDate && l.Type == types.TypeString {
		if l, err = dateLiteral(parent, left); err != nil {
			return nil, nil, err
		}
	}
	if !orderable(l.Type, r.Type) {
		return nil, nil, planError(terrors.CodeTypeIncompatible, parent,
			fmt.Sprintf("cannot compare %s with %s", l.Type, r.Type))
	}
	return l, r, nil
}

func dateLiteral(parent, e Expr) (*Compiled, error) {
	lit, ok := e.(*LiteralExpr)
	if !ok {
		return nil, planError(terrors.CodeTypeIncompatible, parent, "cannot compare date with string expression")
	}
	d, err := types.ParseDate(lit.Value.(string))
	if err != nil {
		return nil, planError(terrors.CodeTypeIncompatible, parent, err.Error())
	}
	return &Compiled{Expr: e, Type: types.TypeDate, eval: func(types.Row) (interface{}, error) {
		return d, nil
	}}, nil
}

func compileComparison(n *BinaryExpr, s types.Schema) (*Compiled, error) {
	l, r, err := compileComparable(n, n.Left, n.Right, s)
	if err != nil {
		return nil, err
	}
	op := n.Op
	return &Compiled{Expr: n, Type: types.TypeBoolean, Nullable: l.Nullable || r.Nullable, eval: func(row types.Row) (interface{}, error) {
		lv, err := l.eval(row)
		if err != nil {
			return nil, err
		}
		rv, err := r.eval(row)
		if err != nil {
			return nil, err
		}
		if lv == nil || rv == nil {
			return nil, nil
		}
		c := types.Compare(lv, rv)
		switch op {
		case OpEq:
			return c == 0, nil
		case OpNe:
			return c != 0, nil
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}}, nil
}

func booleanOrNull(t types.ColumnType) bool {
	return t == types.TypeBoolean || t == types.TypeNull
}

// compileLogical implements three-valued AND/OR. The right operand is not
// evaluated when the left one decides the result.
func compileLogical(n *BinaryExpr, s types.Schema) (*Compiled, error) {
	l, err := compile(n.Left, s)
	if err != nil {
		return nil, err
	}
	r, err := compile(n.Right, s)
	if err != nil {
		return nil, err
	}
	if !booleanOrNull(l.Type) || !booleanOrNull(r.Type) {
		return nil, planError(terrors.CodeTypeIncompatible, n,
			fmt.Sprintf("%s needs boolean operands, got %s and %s", n.Op, l.Type, r.Type))
	}

	// decisive is the left value that short-circuits: false for AND, true for OR.
	decisive := n.Op == OpOr
	return &Compiled{Expr: n, Type: types.TypeBoolean, Nullable: l.Nullable || r.Nullable, eval: func(row types.Row) (interface{}, error) {
		lv, err := l.eval(row)
		if err != nil {
			return nil, err
		}
		if b, ok := lv.(bool); ok && b == decisive {
			return decisive, nil
		}
		rv, err := r.eval(row)
		if err != nil {
			return nil, err
		}
		if b, ok := rv.(bool); ok && b == decisive {
			return decisive, nil
		}
		if lv == nil || rv == nil {
			return nil, nil
		}
		return !decisive, nil
	}}, nil
}

func compileUnary(n *UnaryExpr, s types.Schema) (*Compiled, error) {
	operand, err := compile(n.Operand, s)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpNot:
		if !booleanOrNull(operand.Type) {
			return nil, planError(terrors.CodeTypeIncompatible, n, fmt.Sprintf("NOT needs a boolean operand, got %s", operand.Type))
		}
		return &Compiled{Expr: n, Type: types.TypeBoolean, Nullable: operand.Nullable, eval: func(row types.Row) (interface{}, error) {
			v, err := operand.eval(row)
			if err != nil || v == nil {
				return nil, err
			}
			return !v.(bool), nil
		}}, nil

	case OpNeg:
		if !numericOrNull(operand.Type) {
			return nil, planError(terrors.CodeTypeIncompatible, n, fmt.Sprintf("negation needs a numeric operand, got %s", operand.Type))
		}
		t := operand.Type
		if t == types.TypeNull {
			t = types.TypeInteger
		}
		return &Compiled{Expr: n, Type: t, Nullable: operand.Nullable, eval: func(row types.Row) (interface{}, error) {
			v, err := operand.eval(row)
			if err != nil || v == nil {
				return nil, err
			}
			if i, ok := v.(int64); ok {
				if i == math.MinInt64 {
					return nil, evalError(terrors.CodeOverflow, n, "integer overflow")
				}
				return -i, nil
			}
			return -v.(float64), nil
		}}, nil

	default:
		return nil, planError(terrors.CodeInvalidPlan, n, fmt.Sprintf("unknown unary operator %q", n.Op))
	}
}

func compileIn(n *InExpr, s types.Schema) (*Compiled, error) {
	var operand *Compiled
	values := make([]*Compiled, len(n.Values))
	nullable := false
	for i, v := range n.Values {
		l, r, err := compileComparable(n, n.Operand, v, s)
		if err != nil {
			return nil, err
		}
		operand, values[i] = l, r
		nullable = nullable || r.Nullable
	}
	if operand == nil {
		return nil, planError(terrors.CodeInvalidPlan, n, "IN needs at least one value")
	}
	nullable = nullable || operand.Nullable

	not := n.Not
	return &Compiled{Expr: n, Type: types.TypeBoolean, Nullable: nullable, eval: func(row types.Row) (interface{}, error) {
		v, err := operand.eval(row)
		if err != nil || v == nil {
			return nil, err
		}
		sawNull := false
		for _, c := range values {
			cv, err := c.eval(row)
			if err != nil {
				return nil, err
			}
			if cv == nil {
				sawNull = true
				continue
			}
			if types.Compare(v, cv) == 0 {
				return !not, nil
			}
		}
		if sawNull {
			return nil, nil
		}
		return not, nil
	}}, nil
}

func compileBetween(n *BetweenExpr, s types.Schema) (*Compiled, error) {
	operand, low, err := compileComparable(n, n.Operand, n.Low, s)
	if err != nil {
		return nil, err
	}
	_, high, err := compileComparable(n, n.Operand, n.High, s)
	if err != nil {
		return nil, err
	}

	not := n.Not
	return &Compiled{Expr: n, Type: types.TypeBoolean, Nullable: operand.Nullable || low.Nullable || high.Nullable, eval: func(row types.Row) (interface{}, error) {
		v, err := operand.eval(row)
		if err != nil {
			return nil, err
		}
		lo, err := low.eval(row)
		if err != nil {
			return nil, err
		}
		hi, err := high.eval(row)
		if err != nil {
			return nil, err
		}
		if v == nil || lo == nil || hi == nil {
			return nil, nil
		}
		in := types.Compare(v, lo) >= 0 && types.Compare(v, hi) <= 0
		return in != not, nil
	}}, nil
}

func compileLike(n *LikeExpr, s types.Schema) (*Compiled, error) {
	operand, err := compile(n.Operand, s)
	if err != nil {
		return nil, err
	}
	pattern, err := compile(n.Pattern, s)
	if err != nil {
		return nil, err
	}
	if (operand.Type != types.TypeString && operand.Type != types.TypeNull) ||
		(pattern.Type != types.TypeString && pattern.Type != types.TypeNull) {
		return nil, planError(terrors.CodeTypeIncompatible, n, "LIKE needs string operands")
	}

	var fixed *regexp.Regexp
	if lit, ok := n.Pattern.(*LiteralExpr); ok {
		if p, ok := lit.Value.(string); ok {
			fixed = likeRegexp(p)
		}
	}

	not := n.Not
	return &Compiled{Expr: n, Type: types.TypeBoolean, Nullable: operand.Nullable || pattern.Nullable, eval: func(row types.Row) (interface{}, error) {
		v, err := operand.eval(row)
		if err != nil || v == nil {
			return nil, err
		}
		re := fixed
		if re == nil {
			p, err := pattern.eval(row)
			if err != nil || p == nil {
				return nil, err
			}
			re = likeRegexp(p.(string))
		}
		return re.MatchString(v.(string)) != not, nil
	}}, nil
}

// likeRegexp translates a LIKE pattern into an anchored regular expression.
func likeRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

func compileCast(n *CastExpr, s types.Schema) (*Compiled, error) {
	operand, err := compile(n.Operand, s)
	if err != nil {
		return nil, err
	}
	if !n.To.Valid() {
		return nil, planError(terrors.CodeTypeIncompatible, n, fmt.Sprintf("cannot cast to %q", n.To))
	}
	if !castAllowed(operand.Type, n.To) {
		return nil, planError(terrors.CodeTypeIncompatible, n, fmt.Sprintf("cannot cast %s to %s", operand.Type, n.To))
	}

	to := n.To
	return &Compiled{Expr: n, Type: to, Nullable: operand.Nullable, eval: func(row types.Row) (interface{}, error) {
		v, err := operand.eval(row)
		if err != nil || v == nil {
			return nil, err
		}
		out, err := CastValue(v, to)
		if err != nil {
			return nil, terrors.Wrap(terrors.ErrCategoryEvaluation, terrors.CodeInvalidValue,
				fmt.Sprintf("cannot cast %q to %s", types.Format(v), to), err).WithDetail("expr", n.String())
		}
		return out, nil
	}}, nil
}

func castAllowed(from, to types.ColumnType) bool {
	if from == to || from == types.TypeNull || to == types.TypeString || from == types.TypeString {
		return true
	}
	switch to {
	case types.TypeInteger, types.TypeFloat:
		return from.IsNumeric() || from == types.TypeBoolean
	case types.TypeBoolean:
		return from.IsNumeric()
	}
	return false
}

// CastValue converts a non-null value to the given type.
func CastValue(v interface{}, to types.ColumnType) (interface{}, error) {
	if types.TypeOf(v) == to {
		return v, nil
	}
	switch to {
	case types.TypeString:
		return types.Format(v), nil

	case types.TypeInteger:
		switch x := v.(type) {
		case float64:
			if math.IsNaN(x) || x >= math.MaxInt64 || x < math.MinInt64 {
				return nil, fmt.Errorf("%v out of integer range", x)
			}
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			return parseInt(x)
		}

	case types.TypeFloat:
		switch x := v.(type) {
		case int64:
			return float64(x), nil
		case bool:
			if x {
				return 1.0, nil
			}
			return 0.0, nil
		case string:
			return parseFloat(x)
		}

	case types.TypeDate:
		switch x := v.(type) {
		case string:
			return types.ParseDate(x)
		case time.Time:
			return types.TruncateDate(x), nil
		}

	case types.TypeBoolean:
		switch x := v.(type) {
		case int64:
			return x != 0, nil
		case float64:
			return x != 0, nil
		case string:
			return parseBool(x)
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, to)
}
