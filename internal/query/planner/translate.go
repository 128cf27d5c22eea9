package planner

import (
	"fmt"
	"strings"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/internal/query/parser"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/pkg/types"
)

// postAggregate describes what is visible after GROUP BY: the group keys,
// the aggregate columns and the aliases derived from them.
type postAggregate struct {
	keys     map[string]string // rendered group expression -> key column
	keyCols  map[string]bool
	aggs     map[string]string // rendered aggregate call -> output column
	computed map[string]bool   // aggregate and derived output columns
}

func newPostAggregate() *postAggregate {
	return &postAggregate{
		keys:     make(map[string]string),
		keyCols:  make(map[string]bool),
		aggs:     make(map[string]string),
		computed: make(map[string]bool),
	}
}

// planAggregate plans GROUP BY, the aggregations, HAVING and the select
// items computed from the aggregated rows.
func (q *query) planAggregate(cur plan.Node, items []parser.SelectColumn) (plan.Node, []output, error) {
	post := newPostAggregate()

	keyNames, cur, err := q.groupKeys(cur, items, post)
	if err != nil {
		return nil, nil, err
	}

	aggs, err := q.aggregations(items, post)
	if err != nil {
		return nil, nil, err
	}
	if cur, err = plan.NewAggregate(cur, keyNames, aggs); err != nil {
		return nil, nil, err
	}

	if q.stmt.Having != nil {
		pred, err := q.convert(q.stmt.Having, post)
		if err != nil {
			return nil, nil, err
		}
		if cur, err = plan.NewFilter(cur, pred); err != nil {
			return nil, nil, err
		}
	}

	outputs := make([]output, 0, len(items))
	for _, item := range items {
		e, err := q.convert(item.Expr, post)
		if err != nil {
			return nil, nil, err
		}
		name := outputName(item, e)
		if col, ok := e.(*expr.ColumnExpr); !ok || col.Name != name {
			if cur, err = plan.NewDerive(cur, name, e); err != nil {
				return nil, nil, err
			}
			post.computed[name] = true
		}
		outputs = append(outputs, output{name: name, item: item})
	}

	q.post = post
	return cur, outputs, nil
}

// groupKeys resolves the GROUP BY list to key columns, deriving a column
// for every key that is not a plain input column.
func (q *query) groupKeys(cur plan.Node, items []parser.SelectColumn, post *postAggregate) ([]string, plan.Node, error) {
	input := cur.Schema()
	var names []string
	for _, g := range q.stmt.GroupBy {
		g = unparen(g)
		if hasAggregate(g) {
			return nil, nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "aggregate functions are not allowed in GROUP BY")
		}

		alias := ""
		switch n := g.(type) {
		case *parser.Literal:
			pos, ok := n.Value.(int64)
			if !ok || pos < 1 || pos > int64(len(items)) {
				return nil, nil, terrors.NewPlanError(terrors.CodeInvalidPlan,
					fmt.Sprintf("GROUP BY %s is not a position in the select list", n))
			}
			g, alias = unparen(items[pos-1].Expr), items[pos-1].Alias
		case *parser.ColumnRef:
			if input.Index(n.Column) < 0 {
				for _, item := range items {
					if n.Table == "" && item.Alias == n.Column {
						g, alias = unparen(item.Expr), item.Alias
						break
					}
				}
			}
		}

		e, err := q.convert(g, nil)
		if err != nil {
			return nil, nil, err
		}

		name := alias
		if col, ok := e.(*expr.ColumnExpr); ok && alias == "" {
			name = col.Name
		}
		if name == "" {
			for _, item := range items {
				if unparen(item.Expr).String() == g.String() {
					name = outputName(item, e)
					break
				}
			}
		}
		if name == "" {
			name = displayName(e)
		}

		if col, ok := e.(*expr.ColumnExpr); !ok || col.Name != name {
			if cur, err = plan.NewDerive(cur, name, e); err != nil {
				return nil, nil, err
			}
		}

		post.keys[g.String()] = name
		if !post.keyCols[name] {
			post.keyCols[name] = true
			names = append(names, name)
		}
	}
	return names, cur, nil
}

// aggregations collects the aggregate calls of the select list, HAVING and
// ORDER BY. A select item that is exactly an aggregate call names its
// column after the item's alias.
func (q *query) aggregations(items []parser.SelectColumn, post *postAggregate) ([]expr.Aggregation, error) {
	var aggs []expr.Aggregation
	taken := make(map[string]bool)

	add := func(a *parser.AggregateExpr, alias string) error {
		agg, err := q.toAggregation(a)
		if err != nil {
			return err
		}
		key := a.String()
		if existing, ok := post.aggs[key]; ok && (alias == "" || alias == existing) {
			return nil
		}
		if alias != "" {
			agg = agg.As(alias)
		}
		name := agg.Name()
		if !taken[name] {
			taken[name] = true
			aggs = append(aggs, agg)
			post.computed[name] = true
		}
		if _, ok := post.aggs[key]; !ok {
			post.aggs[key] = name
		}
		return nil
	}
	collect := func(e parser.Expression) error {
		var err error
		walk(e, func(n parser.Expression) {
			if a, ok := n.(*parser.AggregateExpr); ok && err == nil {
				err = add(a, "")
			}
		})
		return err
	}

	for _, item := range items {
		if a, ok := unparen(item.Expr).(*parser.AggregateExpr); ok {
			if err := add(a, item.Alias); err != nil {
				return nil, err
			}
			continue
		}
		if err := collect(item.Expr); err != nil {
			return nil, err
		}
	}
	if q.stmt.Having != nil {
		if err := collect(q.stmt.Having); err != nil {
			return nil, err
		}
	}
	for _, o := range q.stmt.OrderBy {
		if err := collect(o.Expr); err != nil {
			return nil, err
		}
	}
	return aggs, nil
}

func (q *query) toAggregation(a *parser.AggregateExpr) (expr.Aggregation, error) {
	_, star := a.Arg.(*parser.StarExpr)
	fn := strings.ToUpper(a.Function)

	if fn == "COUNT" && (star || a.Arg == nil) {
		if a.Distinct || a.Arg == nil {
			return expr.Aggregation{}, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("invalid aggregate %s", a))
		}
		return expr.Count(), nil
	}
	if a.Arg == nil || star {
		return expr.Aggregation{}, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("%s requires an argument", fn))
	}
	if hasAggregate(a.Arg) {
		return expr.Aggregation{}, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("nested aggregate in %s", a))
	}
	if a.Distinct && fn != "COUNT" {
		return expr.Aggregation{}, terrors.NewUnsupportedQueryError(terrors.CodeUnsupportedConstruct,
			fmt.Sprintf("DISTINCT is only supported in COUNT, got %s", a))
	}

	arg, err := q.convert(a.Arg, nil)
	if err != nil {
		return expr.Aggregation{}, err
	}
	switch fn {
	case "COUNT":
		if a.Distinct {
			return expr.CountDistinct(arg), nil
		}
		return expr.CountOf(arg), nil
	case "SUM":
		return expr.Sum(arg), nil
	case "AVG":
		return expr.Avg(arg), nil
	case "MIN":
		return expr.Min(arg), nil
	case "MAX":
		return expr.Max(arg), nil
	default:
		return expr.Aggregation{}, terrors.NewPlanError(terrors.CodeUnknownFunction, fmt.Sprintf("unknown aggregate %s", fn))
	}
}

// convert translates a parser expression into an engine expression. After
// aggregation post is non-nil, and group keys and aggregate calls become
// references to their columns.
func (q *query) convert(e parser.Expression, post *postAggregate) (expr.Expr, error) {
	if post != nil {
		if name, ok := post.keys[unparen(e).String()]; ok {
			return expr.Col(name), nil
		}
	}

	switch n := e.(type) {
	case *parser.ParenExpr:
		return q.convert(n.Expr, post)

	case *parser.ColumnRef:
		if n.Table != "" && !q.qualifiers[n.Table] {
			return nil, unknownQualifier(n.Table)
		}
		if post != nil && !post.keyCols[n.Column] && !post.computed[n.Column] {
			return nil, terrors.NewPlanError(terrors.CodeInvalidPlan,
				fmt.Sprintf("column %q must appear in GROUP BY or be used in an aggregate", n.Column)).
				WithDetail("column", n.Column)
		}
		return expr.Col(n.Column), nil

	case *parser.Literal:
		return expr.Lit(n.Value), nil

	case *parser.AggregateExpr:
		if post == nil {
			return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("aggregate %s is not allowed here", n))
		}
		return expr.Col(post.aggs[n.String()]), nil

	case *parser.BinaryExpr:
		l, err := q.convert(n.Left, post)
		if err != nil {
			return nil, err
		}
		r, err := q.convert(n.Right, post)
		if err != nil {
			return nil, err
		}
		op, ok := binaryOps[strings.ToUpper(n.Operator)]
		if !ok {
			return nil, terrors.NewUnsupportedQueryError(terrors.CodeUnsupportedConstruct,
				fmt.Sprintf("unsupported operator %s", n.Operator))
		}
		return &expr.BinaryExpr{Op: op, Left: l, Right: r}, nil

	case *parser.UnaryExpr:
		if n.Operator == "-" {
			if lit, ok := unparen(n.Operand).(*parser.Literal); ok {
				switch v := lit.Value.(type) {
				case int64:
					return expr.Lit(-v), nil
				case float64:
					return expr.Lit(-v), nil
				}
			}
		}
		operand, err := q.convert(n.Operand, post)
		if err != nil {
			return nil, err
		}
		if n.Operator == "NOT" {
			return expr.Not(operand), nil
		}
		return expr.Neg(operand), nil

	case *parser.IsNullExpr:
		operand, err := q.convert(n.Expr, post)
		if err != nil {
			return nil, err
		}
		return &expr.IsNullExpr{Operand: operand, Not: n.Not}, nil

	case *parser.InExpr:
		operand, err := q.convert(n.Expr, post)
		if err != nil {
			return nil, err
		}
		values, err := q.convertList(n.Values, post)
		if err != nil {
			return nil, err
		}
		return &expr.InExpr{Operand: operand, Values: values, Not: n.Not}, nil

	case *parser.BetweenExpr:
		bounds, err := q.convertList([]parser.Expression{n.Expr, n.Low, n.High}, post)
		if err != nil {
			return nil, err
		}
		return &expr.BetweenExpr{Operand: bounds[0], Low: bounds[1], High: bounds[2], Not: n.Not}, nil

	case *parser.LikeExpr:
		operand, err := q.convert(n.Expr, post)
		if err != nil {
			return nil, err
		}
		lit, ok := unparen(n.Pattern).(*parser.Literal)
		pattern, isString := "", false
		if ok {
			pattern, isString = lit.Value.(string)
		}
		if !isString {
			return nil, terrors.NewPlanError(terrors.CodeTypeIncompatible,
				fmt.Sprintf("LIKE pattern must be a string literal, got %s", n.Pattern))
		}
		return &expr.LikeExpr{Operand: operand, Pattern: expr.Lit(pattern), Not: n.Not}, nil

	case *parser.CastExpr:
		operand, err := q.convert(n.Expr, post)
		if err != nil {
			return nil, err
		}
		to, err := types.ParseColumnType(n.Type)
		if err != nil {
			return nil, terrors.NewPlanError(terrors.CodeTypeIncompatible, err.Error()).
				WithDetails(map[string]interface{}{"type": n.Type, "position": n.Pos})
		}
		return expr.Cast(operand, to), nil

	case *parser.FunctionCall:
		args, err := q.convertList(n.Args, post)
		if err != nil {
			return nil, err
		}
		return expr.Call(strings.ToLower(n.Name), args...), nil

	case *parser.StarExpr:
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "* is only allowed as a select item or in COUNT(*)")

	default:
		return nil, terrors.NewUnsupportedQueryError(terrors.CodeUnsupportedConstruct,
			fmt.Sprintf("unsupported expression %s", e))
	}
}

func (q *query) convertList(list []parser.Expression, post *postAggregate) ([]expr.Expr, error) {
	out := make([]expr.Expr, len(list))
	for i, e := range list {
		c, err := q.convert(e, post)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

var binaryOps = map[string]string{
	"=":   expr.OpEq,
	"<>":  expr.OpNe,
	"!=":  expr.OpNe,
	"<":   expr.OpLt,
	"<=":  expr.OpLe,
	">":   expr.OpGt,
	">=":  expr.OpGe,
	"+":   expr.OpAdd,
	"-":   expr.OpSub,
	"*":   expr.OpMul,
	"/":   expr.OpDiv,
	"AND": expr.OpAnd,
	"OR":  expr.OpOr,
}

func unparen(e parser.Expression) parser.Expression {
	for {
		p, ok := e.(*parser.ParenExpr)
		if !ok {
			return e
		}
		e = p.Expr
	}
}

func hasAggregate(e parser.Expression) bool {
	found := false
	walk(e, func(n parser.Expression) {
		if _, ok := n.(*parser.AggregateExpr); ok {
			found = true
		}
	})
	return found
}

// walk calls fn for e and every sub-expression. It does not descend into
// aggregate arguments.
func walk(e parser.Expression, fn func(parser.Expression)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case *parser.ParenExpr:
		walk(n.Expr, fn)
	case *parser.BinaryExpr:
		walk(n.Left, fn)
		walk(n.Right, fn)
	case *parser.UnaryExpr:
		walk(n.Operand, fn)
	case *parser.IsNullExpr:
		walk(n.Expr, fn)
	case *parser.InExpr:
		walk(n.Expr, fn)
		for _, v := range n.Values {
			walk(v, fn)
		}
	case *parser.BetweenExpr:
		walk(n.Expr, fn)
		walk(n.Low, fn)
		walk(n.High, fn)
	case *parser.LikeExpr:
		walk(n.Expr, fn)
		walk(n.Pattern, fn)
	case *parser.CastExpr:
		walk(n.Expr, fn)
	case *parser.FunctionCall:
		for _, a := range n.Args {
			walk(a, fn)
		}
	}
}
