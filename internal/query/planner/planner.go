// Package planner translates SQL statements into operator plans.
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

// Catalog resolves the table names a query may reference.
type Catalog interface {
	Table(name string) (plan.Node, bool)
}

// MapCatalog is a Catalog backed by a map of plans keyed by table name.
type MapCatalog map[string]plan.Node

// Table looks name up in the map.
func (c MapCatalog) Table(name string) (plan.Node, bool) {
	n, ok := c[name]
	return n, ok
}

// Planner generates operator plans from parsed SQL statements.
type Planner struct {
	catalog Catalog
}

// NewPlanner creates a new query planner.
func NewPlanner(catalog Catalog) *Planner {
	return &Planner{catalog: catalog}
}

// Translate parses sql and plans it against the tables in catalog.
func Translate(sql string, catalog map[string]plan.Node) (plan.Node, error) {
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*parser.SelectStatement)
	if !ok {
		return nil, terrors.NewUnsupportedQueryError(terrors.CodeUnsupportedConstruct, "only SELECT statements are supported")
	}
	return NewPlanner(MapCatalog(catalog)).Plan(sel)
}

// Plan builds the operator plan of stmt. The plan has the shape
//
//	Scan → [Filter] → [Derive group keys] → [GroupAggregate] → [Filter HAVING]
//	     → [Derive] → Project → [Distinct] → [OrderBy] → [Limit]
//
// which is the shape the table builder produces for the same query.
// When ORDER BY needs columns that are not projected, the sort runs before
// the projection instead.
func (p *Planner) Plan(stmt *parser.SelectStatement) (plan.Node, error) {
	if stmt == nil || stmt.From == nil {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "planner: statement has no FROM clause")
	}
	input, ok := p.catalog.Table(stmt.From.Name)
	if !ok {
		return nil, terrors.NewPlanError(terrors.CodeUnknownTable, fmt.Sprintf("unknown table %q", stmt.From.Name)).
			WithDetail("table", stmt.From.Name)
	}

	q := &query{stmt: stmt, qualifiers: map[string]bool{stmt.From.Name: true}}
	if stmt.From.Alias != "" {
		q.qualifiers = map[string]bool{stmt.From.Alias: true}
	}

	cur := input
	if stmt.Where != nil {
		if hasAggregate(stmt.Where) {
			return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "aggregate functions are not allowed in WHERE")
		}
		pred, err := q.convert(stmt.Where, nil)
		if err != nil {
			return nil, err
		}
		if cur, err = plan.NewFilter(cur, pred); err != nil {
			return nil, err
		}
	}

	items, err := q.expandStar(input.Schema())
	if err != nil {
		return nil, err
	}

	var outputs []output
	if q.isAggregate(items) {
		cur, outputs, err = q.planAggregate(cur, items)
	} else {
		cur, outputs, err = q.planProjection(cur, items)
	}
	if err != nil {
		return nil, err
	}
	return q.planTail(cur, outputs)
}

// query holds the translation state of one statement.
type query struct {
	stmt       *parser.SelectStatement
	qualifiers map[string]bool

	// post maps parser expressions to the columns that hold their value
	// after aggregation. It is nil before aggregation.
	post *postAggregate
}

// output is one column of the final projection.
type output struct {
	name string
	item parser.SelectColumn
}

// expandStar replaces * items by the columns of s.
func (q *query) expandStar(s types.Schema) ([]parser.SelectColumn, error) {
	var items []parser.SelectColumn
	for _, item := range q.stmt.Columns {
		star, ok := item.Expr.(*parser.StarExpr)
		if !ok {
			items = append(items, item)
			continue
		}
		if star.Table != "" && !q.qualifiers[star.Table] {
			return nil, unknownQualifier(star.Table)
		}
		for _, name := range s.Names() {
			items = append(items, parser.SelectColumn{Expr: &parser.ColumnRef{Column: name}})
		}
	}
	return items, nil
}

func (q *query) isAggregate(items []parser.SelectColumn) bool {
	if len(q.stmt.GroupBy) > 0 || q.stmt.Having != nil {
		return true
	}
	for _, item := range items {
		if hasAggregate(item.Expr) {
			return true
		}
	}
	for _, o := range q.stmt.OrderBy {
		if hasAggregate(o.Expr) {
			return true
		}
	}
	return false
}

// planProjection derives the computed select items of a query without
// aggregation.
func (q *query) planProjection(cur plan.Node, items []parser.SelectColumn) (plan.Node, []output, error) {
	outputs := make([]output, 0, len(items))
	for _, item := range items {
		e, err := q.convert(item.Expr, nil)
		if err != nil {
			return nil, nil, err
		}
		name := outputName(item, e)
		if col, ok := e.(*expr.ColumnExpr); !ok || col.Name != name {
			if err := q.checkShadowing(cur, name, item); err != nil {
				return nil, nil, err
			}
			if cur, err = plan.NewDerive(cur, name, e); err != nil {
				return nil, nil, err
			}
		}
		outputs = append(outputs, output{name: name, item: item})
	}
	return cur, outputs, nil
}

// checkShadowing rejects an alias that replaces an input column still read
// by another part of the query.
func (q *query) checkShadowing(cur plan.Node, name string, item parser.SelectColumn) error {
	if cur.Schema().Index(name) < 0 {
		return nil
	}
	used := false
	visit := func(e parser.Expression) {
		walk(e, func(n parser.Expression) {
			if ref, ok := n.(*parser.ColumnRef); ok && ref.Column == name {
				used = true
			}
		})
	}
	for _, other := range q.stmt.Columns {
		if other.Expr != item.Expr {
			visit(other.Expr)
		}
	}
	if used {
		return terrors.NewPlanError(terrors.CodeInvalidPlan,
			fmt.Sprintf("alias %q shadows a column used elsewhere in the query", name)).WithDetail("column", name)
	}
	return nil
}

// planTail adds the projection, DISTINCT, ORDER BY and LIMIT.
func (q *query) planTail(cur plan.Node, outputs []output) (plan.Node, error) {
	names := make([]string, len(outputs))
	isOutput := make(map[string]bool, len(outputs))
	for i, o := range outputs {
		names[i] = o.name
		isOutput[o.name] = true
	}

	// Resolve ORDER BY keys to output names where possible.
	keys := make([]plan.SortKey, len(q.stmt.OrderBy))
	var hidden []int
	for i, o := range q.stmt.OrderBy {
		name, ok, err := q.orderByOutput(o.Expr, outputs, isOutput)
		if err != nil {
			return nil, err
		}
		if !ok {
			hidden = append(hidden, i)
		}
		keys[i] = plan.SortKey{Column: name, Desc: o.Desc}
	}

	var err error
	if len(hidden) == 0 {
		if cur, err = plan.NewProject(cur, names...); err != nil {
			return nil, err
		}
		if q.stmt.Distinct {
			cur = plan.NewDistinct(cur)
		}
		if len(keys) > 0 {
			if cur, err = plan.NewSort(cur, keys...); err != nil {
				return nil, err
			}
		}
	} else {
		if q.stmt.Distinct {
			return nil, terrors.NewPlanError(terrors.CodeInvalidPlan,
				"with SELECT DISTINCT, ORDER BY expressions must appear in the select list")
		}
		for n, i := range hidden {
			e, err := q.convert(q.stmt.OrderBy[i].Expr, q.post)
			if err != nil {
				return nil, err
			}
			if col, ok := e.(*expr.ColumnExpr); ok {
				keys[i].Column = col.Name
				continue
			}
			keys[i].Column = fmt.Sprintf("__order_%d", n)
			if cur, err = plan.NewDerive(cur, keys[i].Column, e); err != nil {
				return nil, err
			}
		}
		if cur, err = plan.NewSort(cur, keys...); err != nil {
			return nil, err
		}
		if cur, err = plan.NewProject(cur, names...); err != nil {
			return nil, err
		}
	}

	if q.stmt.Limit != nil || q.stmt.Offset != nil {
		var offset int64
		count := int64(-1)
		if q.stmt.Offset != nil {
			offset = *q.stmt.Offset
		}
		if q.stmt.Limit != nil {
			count = *q.stmt.Limit
		}
		if cur, err = plan.NewLimit(cur, offset, count); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// orderByOutput resolves an ORDER BY expression that names an output
// column, by alias, by column or by 1-based position.
func (q *query) orderByOutput(e parser.Expression, outputs []output, isOutput map[string]bool) (string, bool, error) {
	switch n := unparen(e).(type) {
	case *parser.Literal:
		pos, ok := n.Value.(int64)
		if !ok {
			return "", false, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("cannot order by constant %s", n))
		}
		if pos < 1 || pos > int64(len(outputs)) {
			return "", false, terrors.NewPlanError(terrors.CodeInvalidPlan,
				fmt.Sprintf("ORDER BY position %d is not in the select list", pos))
		}
		return outputs[pos-1].name, true, nil
	case *parser.ColumnRef:
		if n.Table == "" && isOutput[n.Column] {
			return n.Column, true, nil
		}
	}
	for _, o := range outputs {
		if o.item.Expr.String() == e.String() {
			return o.name, true, nil
		}
	}
	return "", false, nil
}

// outputName is the column name of a select item: its alias, the column
// it references, or the rendering of its expression.
func outputName(item parser.SelectColumn, e expr.Expr) string {
	if item.Alias != "" {
		return item.Alias
	}
	if col, ok := e.(*expr.ColumnExpr); ok {
		return col.Name
	}
	return displayName(e)
}

// displayName renders e without the outer parentheses of an operator.
func displayName(e expr.Expr) string {
	s := e.String()
	switch e.(type) {
	case *expr.BinaryExpr, *expr.UnaryExpr, *expr.IsNullExpr, *expr.InExpr, *expr.BetweenExpr, *expr.LikeExpr:
		if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func unknownQualifier(table string) error {
	return terrors.NewPlanError(terrors.CodeUnknownTable, fmt.Sprintf("unknown table qualifier %q", table)).
		WithDetail("table", table)
}
