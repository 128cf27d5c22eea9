// Package plan provides the operator tree of a logical table. Every node
// is type-checked against its input when it is built, so a plan that exists
// only fails at evaluation time for data-dependent reasons.
package plan

import (
	"fmt"
	"strings"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/pkg/types"
)

// Kind tags a plan node variant.
type Kind string

const (
	KindScan      Kind = "Scan"
	KindProject   Kind = "Project"
	KindFilter    Kind = "Filter"
	KindDerive    Kind = "Derive"
	KindAggregate Kind = "GroupAggregate"
	KindSort      Kind = "OrderBy"
	KindDistinct  Kind = "Distinct"
	KindLimit     Kind = "Limit"
)

// Node is one operator of a plan tree.
type Node interface {
	Kind() Kind
	// Schema is the output schema of the node.
	Schema() types.Schema
	Children() []Node
	String() string
}

// Scan reads rows from a Source.
type Scan struct {
	Source Source
}

// NewScan creates a scan over src.
func NewScan(src Source) *Scan {
	return &Scan{Source: src}
}

func (n *Scan) Kind() Kind           { return KindScan }
func (n *Scan) Schema() types.Schema { return n.Source.Schema() }
func (n *Scan) Children() []Node     { return nil }
func (n *Scan) String() string       { return "Scan " + n.Source.String() }

// Project keeps the named columns in the given order.
type Project struct {
	Input   Node
	Columns []string

	// Indices are the positions of Columns in the input schema.
	Indices []int
	schema  types.Schema
}

// NewProject builds a projection. Unknown or repeated columns are rejected.
func NewProject(input Node, columns ...string) (*Project, error) {
	if len(columns) == 0 {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "projection needs at least one column")
	}
	in := input.Schema()
	p := &Project{Input: input, Columns: columns, Indices: make([]int, len(columns))}
	seen := make(map[string]bool, len(columns))
	defs := make([]types.ColumnDef, len(columns))
	for i, name := range columns {
		idx := in.Index(name)
		if idx < 0 {
			return nil, unknownColumn(name, in)
		}
		if seen[name] {
			return nil, terrors.NewPlanError(terrors.CodeInvalidPlan,
				fmt.Sprintf("column %q selected twice", name)).WithDetail("column", name)
		}
		seen[name] = true
		p.Indices[i] = idx
		defs[i] = in.Columns[idx]
	}
	p.schema = types.NewSchema(defs...)
	return p, nil
}

func (n *Project) Kind() Kind           { return KindProject }
func (n *Project) Schema() types.Schema { return n.schema }
func (n *Project) Children() []Node     { return []Node{n.Input} }
func (n *Project) String() string       { return "Project " + strings.Join(n.Columns, ", ") }

// Filter keeps rows for which Predicate is true. False and NULL drop the row.
type Filter struct {
	Input     Node
	Predicate expr.Expr
	Compiled  *expr.Compiled
}

// NewFilter compiles pred against the input schema.
func NewFilter(input Node, pred expr.Expr) (*Filter, error) {
	c, err := expr.CompilePredicate(pred, input.Schema())
	if err != nil {
		return nil, err
	}
	return &Filter{Input: input, Predicate: pred, Compiled: c}, nil
}

func (n *Filter) Kind() Kind           { return KindFilter }
func (n *Filter) Schema() types.Schema { return n.Input.Schema() }
func (n *Filter) Children() []Node     { return []Node{n.Input} }
func (n *Filter) String() string       { return "Filter " + n.Predicate.String() }

// Derive adds a computed column, or replaces an existing one in place.
type Derive struct {
	Input    Node
	Name     string
	Expr     expr.Expr
	Compiled *expr.Compiled

	// Index is the output position of the column. It equals the input
	// width when the column is appended.
	Index  int
	schema types.Schema
}

// NewDerive compiles e against the input schema.
func NewDerive(input Node, name string, e expr.Expr) (*Derive, error) {
	if strings.TrimSpace(name) == "" {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "derived column needs a name")
	}
	in := input.Schema()
	c, err := expr.Compile(e, in)
	if err != nil {
		return nil, err
	}
	if c.Type == types.TypeNull {
		return nil, terrors.NewPlanError(terrors.CodeTypeIncompatible,
			fmt.Sprintf("cannot infer the type of column %q; use CAST", name)).WithDetail("expr", e.String())
	}

	def := types.ColumnDef{Name: name, Type: c.Type, Nullable: c.Nullable}
	cols := append([]types.ColumnDef(nil), in.Columns...)
	idx := in.Index(name)
	if idx >= 0 {
		cols[idx] = def
	} else {
		idx = len(cols)
		cols = append(cols, def)
	}
	return &Derive{Input: input, Name: name, Expr: e, Compiled: c, Index: idx, schema: types.NewSchema(cols...)}, nil
}

func (n *Derive) Kind() Kind           { return KindDerive }
func (n *Derive) Schema() types.Schema { return n.schema }
func (n *Derive) Children() []Node     { return []Node{n.Input} }
func (n *Derive) String() string       { return fmt.Sprintf("Derive %s = %s", n.Name, n.Expr) }

// Replaces reports whether the derived column overwrites an input column.
func (n *Derive) Replaces() bool {
	return n.Index < n.Input.Schema().Len()
}

// Aggregate groups rows by Keys and reduces each group with Aggregations.
// Its output schema is the keys followed by one column per aggregation.
type Aggregate struct {
	Input        Node
	Keys         []string
	KeyIndices   []int
	Aggregations []*expr.BoundAggregation
	schema       types.Schema
}

// NewAggregate binds keys and aggregations against the input schema.
func NewAggregate(input Node, keys []string, aggs []expr.Aggregation) (*Aggregate, error) {
	if len(keys) == 0 && len(aggs) == 0 {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "aggregate needs keys or aggregations")
	}
	in := input.Schema()
	a := &Aggregate{Input: input, Keys: keys, KeyIndices: make([]int, len(keys))}
	var defs []types.ColumnDef
	seen := make(map[string]bool)
	add := func(def types.ColumnDef) error {
		if seen[def.Name] {
			return terrors.NewPlanError(terrors.CodeInvalidPlan,
				fmt.Sprintf("duplicate output column %q", def.Name)).WithDetail("column", def.Name)
		}
		seen[def.Name] = true
		defs = append(defs, def)
		return nil
	}

	for i, k := range keys {
		idx := in.Index(k)
		if idx < 0 {
			return nil, unknownColumn(k, in)
		}
		a.KeyIndices[i] = idx
		if err := add(in.Columns[idx]); err != nil {
			return nil, err
		}
	}
	for _, agg := range aggs {
		b, err := agg.Bind(in)
		if err != nil {
			return nil, err
		}
		if err := add(types.ColumnDef{Name: b.Name(), Type: b.Type, Nullable: b.Nullable()}); err != nil {
			return nil, err
		}
		a.Aggregations = append(a.Aggregations, b)
	}
	a.schema = types.NewSchema(defs...)
	return a, nil
}

func (n *Aggregate) Kind() Kind           { return KindAggregate }
func (n *Aggregate) Schema() types.Schema { return n.schema }
func (n *Aggregate) Children() []Node     { return []Node{n.Input} }

func (n *Aggregate) String() string {
	aggs := make([]string, len(n.Aggregations))
	for i, a := range n.Aggregations {
		aggs[i] = a.String()
		if a.Alias != "" {
			aggs[i] += " AS " + a.Alias
		}
	}
	return fmt.Sprintf("GroupAggregate keys=[%s] aggs=[%s]", strings.Join(n.Keys, ", "), strings.Join(aggs, ", "))
}

// SortKey orders by one column.
type SortKey struct {
	Column string
	Desc   bool
}

func (k SortKey) String() string {
	if k.Desc {
		return k.Column + " DESC"
	}
	return k.Column + " ASC"
}

// Asc and Desc build sort keys.
func Asc(column string) SortKey  { return SortKey{Column: column} }
func Desc(column string) SortKey { return SortKey{Column: column, Desc: true} }

// Sort is a stable sort on Keys. NULL sorts first ascending and last
// descending.
type Sort struct {
	Input      Node
	Keys       []SortKey
	KeyIndices []int
}

// NewSort resolves the sort keys against the input schema.
func NewSort(input Node, keys ...SortKey) (*Sort, error) {
	if len(keys) == 0 {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "order by needs at least one key")
	}
	in := input.Schema()
	s := &Sort{Input: input, Keys: keys, KeyIndices: make([]int, len(keys))}
	for i, k := range keys {
		idx := in.Index(k.Column)
		if idx < 0 {
			return nil, unknownColumn(k.Column, in)
		}
		s.KeyIndices[i] = idx
	}
	return s, nil
}

func (n *Sort) Kind() Kind           { return KindSort }
func (n *Sort) Schema() types.Schema { return n.Input.Schema() }
func (n *Sort) Children() []Node     { return []Node{n.Input} }

func (n *Sort) String() string {
	keys := make([]string, len(n.Keys))
	for i, k := range n.Keys {
		keys[i] = k.String()
	}
	return "OrderBy " + strings.Join(keys, ", ")
}

// Distinct removes duplicate rows, keeping the first occurrence.
type Distinct struct {
	Input Node
}

func NewDistinct(input Node) *Distinct { return &Distinct{Input: input} }

func (n *Distinct) Kind() Kind           { return KindDistinct }
func (n *Distinct) Schema() types.Schema { return n.Input.Schema() }
func (n *Distinct) Children() []Node     { return []Node{n.Input} }
func (n *Distinct) String() string       { return "Distinct" }

// Limit skips Offset rows and then keeps at most Count rows. A negative
// Count keeps everything after the offset.
type Limit struct {
	Input  Node
	Offset int64
	Count  int64
}

// NewLimit validates the bounds of a limit.
func NewLimit(input Node, offset, count int64) (*Limit, error) {
	if offset < 0 {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("negative offset %d", offset))
	}
	return &Limit{Input: input, Offset: offset, Count: count}, nil
}

func (n *Limit) Kind() Kind           { return KindLimit }
func (n *Limit) Schema() types.Schema { return n.Input.Schema() }
func (n *Limit) Children() []Node     { return []Node{n.Input} }

func (n *Limit) String() string {
	if n.Count < 0 {
		return fmt.Sprintf("Limit offset=%d", n.Offset)
	}
	return fmt.Sprintf("Limit %d offset=%d", n.Count, n.Offset)
}

// Explain renders the tree rooted at n, one node per line, children
// indented under their parent. Each line ends with the node's schema.
func Explain(n Node) string {
	var sb strings.Builder
	explain(&sb, n, 0)
	return sb.String()
}

func explain(sb *strings.Builder, n Node, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(n.String())
	sb.WriteString(" ")
	sb.WriteString(n.Schema().String())
	sb.WriteString("\n")
	for _, c := range n.Children() {
		explain(sb, c, depth+1)
	}
}

func unknownColumn(name string, s types.Schema) error {
	return terrors.NewPlanError(terrors.CodeUnknownColumn, fmt.Sprintf("unknown column %q", name)).
		WithDetails(map[string]interface{}{"column": name, "available": strings.Join(s.Names(), ",")})
}
