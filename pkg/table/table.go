// Package table is the programmatic surface of tabula: lazy tables built
// from CSV files, partitioned datasets or Go values, transformed with
// builder methods or SQL, and evaluated by actions.
//
// Builders never fail loudly. A builder that cannot type-check returns a
// Table carrying the error; Err reports it at once and every later builder
// and action returns it unchanged:
//
//	t := sales.WithColumn("Year", table.Year(table.Col("OrderDate"))).
//		GroupBy("Year").
//		Aggregate(table.Count())
//	if err := t.Err(); err != nil {
//		return err
//	}
//	res, err := t.Collect(ctx)
package table

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/export"
	"github.com/tabuladb/tabula/internal/partition"
	"github.com/tabuladb/tabula/internal/query/executor"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/internal/query/planner"
	"github.com/tabuladb/tabula/internal/schema"
	"github.com/tabuladb/tabula/internal/source"
	"github.com/tabuladb/tabula/pkg/types"
)

// Table is an immutable handle on a plan. Every builder returns a new
// Table and actions never modify the receiver, so one Table may be
// evaluated any number of times, concurrently.
type Table struct {
	session *Session
	node    plan.Node
	err     error
}

// Result is the outcome of Collect.
type Result = executor.Result

func (s *Session) wrap(n plan.Node) *Table { return &Table{session: s, node: n} }

func (t *Table) derive(n plan.Node, err error) *Table {
	if err != nil {
		return &Table{session: t.session, err: err}
	}
	return t.session.wrap(n)
}

// CSVOptions control ReadCSV.
type CSVOptions struct {
	// Schema types the columns. When nil the schema is inferred from the
	// header and a sample of the first file.
	Schema *types.Schema
	// Delimiter separates fields. Zero means a comma.
	Delimiter rune
	HasHeader bool
	// DropMalformed skips rows that fail coercion instead of aborting the
	// read. Dropped rows are counted in Result.Stats.RowsDropped.
	DropMalformed bool
	// SampleRows bounds the records examined by inference.
	SampleRows int
}

// ReadCSV returns a lazy table over delimited files. Paths may be files,
// directories, doublestar globs or s3:// URIs when the session has a bucket
// opener. No rows are read until an action runs.
func (s *Session) ReadCSV(ctx context.Context, paths []string, opts CSVOptions) (*Table, error) {
	var h *schema.Handle
	if opts.Schema != nil {
		var err error
		if h, err = schema.NewHandle(*opts.Schema); err != nil {
			return nil, err
		}
	}
	srcOpts := source.Options{
		Delimiter:   opts.Delimiter,
		HasHeader:   opts.HasHeader,
		Policy:      source.FailFast,
		Parallelism: s.execCfg.Parallelism,
		SampleRows:  opts.SampleRows,
	}
	if opts.DropMalformed {
		srcOpts.Policy = source.DropMalformed
	}
	src, err := source.NewCSVSource(ctx, s.reader, paths, h, srcOpts)
	if err != nil {
		return nil, err
	}
	return s.wrap(plan.NewScan(src)), nil
}

// ReadDataset returns a lazy table over the partitioned dataset at
// basePath. partitionFilter may be nil; otherwise it may reference only
// partition columns and limits the partitions scanned.
func (s *Session) ReadDataset(basePath string, partitionFilter expr.Expr) (*Table, error) {
	ds, err := partition.Open(s.fs, basePath, s.partitionOptions()...)
	if err != nil {
		return nil, err
	}
	t := s.wrap(plan.NewScan(ds))
	if partitionFilter == nil {
		return t, nil
	}
	keys := map[string]bool{}
	for _, k := range ds.PartitionColumns() {
		keys[k] = true
	}
	for _, c := range expr.Columns(partitionFilter) {
		if !keys[c] {
			return nil, terrors.NewPlanError(terrors.CodeInvalidPlan,
				fmt.Sprintf("partition filter references %q, which is not a partition column", c)).
				WithDetail("column", c)
		}
	}
	t = t.Where(partitionFilter)
	return t, t.err
}

// FromRows returns a table over in-memory rows. Every row is checked
// against s.
func (s *Session) FromRows(name string, sch types.Schema, rows []types.Row) (*Table, error) {
	if err := schema.Validate(sch); err != nil {
		return nil, err
	}
	src, err := plan.NewRowsSource(name, sch, rows)
	if err != nil {
		return nil, err
	}
	return s.wrap(plan.NewScan(src)), nil
}

// SQL translates a SELECT over the named tables into a plan. The result is
// an ordinary lazy Table.
func (s *Session) SQL(sql string, tables map[string]*Table) (*Table, error) {
	catalog := make(map[string]plan.Node, len(tables))
	for name, t := range tables {
		if t.err != nil {
			return nil, t.err
		}
		catalog[name] = t.node
	}
	n, err := planner.Translate(sql, catalog)
	if err != nil {
		return nil, err
	}
	return s.wrap(n), nil
}

// ReadCSV reads with the default session.
func ReadCSV(ctx context.Context, paths []string, opts CSVOptions) (*Table, error) {
	return defaultSession.ReadCSV(ctx, paths, opts)
}

// ReadDataset reads with the default session.
func ReadDataset(basePath string, partitionFilter expr.Expr) (*Table, error) {
	return defaultSession.ReadDataset(basePath, partitionFilter)
}

// FromRows builds a table with the default session.
func FromRows(name string, s types.Schema, rows []types.Row) (*Table, error) {
	return defaultSession.FromRows(name, s, rows)
}

// SQL plans sql with the default session.
func SQL(sql string, tables map[string]*Table) (*Table, error) {
	return defaultSession.SQL(sql, tables)
}

// Err returns the first error met while building t.
func (t *Table) Err() error { return t.err }

// Schema is the output schema of t, or an empty schema when t failed to
// build.
func (t *Table) Schema() types.Schema {
	if t.err != nil {
		return types.Schema{}
	}
	return t.node.Schema()
}

// Explain renders the plan tree.
func (t *Table) Explain() string {
	if t.err != nil {
		return "error: " + t.err.Error()
	}
	return plan.Explain(t.node)
}

// Select keeps the named columns in the given order.
func (t *Table) Select(columns ...string) *Table {
	if t.err != nil {
		return t
	}
	return t.derive(plan.NewProject(t.node, columns...))
}

// SelectExpr projects computed expressions. A column reference keeps its
// name; any other expression is named by its rendering.
func (t *Table) SelectExpr(exprs ...expr.Expr) *Table {
	if t.err != nil {
		return t
	}
	names := make([]string, len(exprs))
	cur := t
	for i, e := range exprs {
		if c, ok := e.(*expr.ColumnExpr); ok {
			names[i] = c.Name
			continue
		}
		names[i] = e.String()
		if cur = cur.WithColumn(names[i], e); cur.err != nil {
			return cur
		}
	}
	return cur.Select(names...)
}

// Where keeps the rows for which predicate is true.
func (t *Table) Where(predicate expr.Expr) *Table {
	if t.err != nil {
		return t
	}
	return t.derive(plan.NewFilter(t.node, predicate))
}

// WithColumn adds a computed column, or replaces one of the same name in
// place.
func (t *Table) WithColumn(name string, e expr.Expr) *Table {
	if t.err != nil {
		return t
	}
	return t.derive(plan.NewDerive(t.node, name, e))
}

// OrderBy sorts by the keys. The sort is stable.
func (t *Table) OrderBy(keys ...plan.SortKey) *Table {
	if t.err != nil {
		return t
	}
	return t.derive(plan.NewSort(t.node, keys...))
}

// Distinct removes duplicate rows, keeping the first occurrence.
func (t *Table) Distinct() *Table {
	if t.err != nil {
		return t
	}
	return t.session.wrap(plan.NewDistinct(t.node))
}

// Limit keeps at most n rows.
func (t *Table) Limit(n int64) *Table {
	if t.err != nil {
		return t
	}
	if n < 0 {
		return &Table{session: t.session, err: terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("negative limit %d", n))}
	}
	return t.derive(plan.NewLimit(t.node, 0, n))
}

// Offset skips the first n rows. Offset followed by Limit pages through a
// sorted table.
func (t *Table) Offset(n int64) *Table {
	if t.err != nil {
		return t
	}
	return t.derive(plan.NewLimit(t.node, n, -1))
}

// Grouped is a table waiting for its aggregations.
type Grouped struct {
	t    *Table
	keys []string
}

// GroupBy groups rows by the key columns. With no keys Aggregate folds the
// whole table into one row.
func (t *Table) GroupBy(keys ...string) *Grouped {
	return &Grouped{t: t, keys: append([]string(nil), keys...)}
}

// Aggregate computes one row per distinct key tuple, ordered by the first
// appearance of the tuple. The columns are the keys followed by the
// aggregations.
func (g *Grouped) Aggregate(aggs ...expr.Aggregation) *Table {
	if g.t.err != nil {
		return g.t
	}
	return g.t.derive(plan.NewAggregate(g.t.node, g.keys, aggs))
}

func (t *Table) execute(ctx context.Context, action string) (*Result, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.session.exec.Execute(ctx, action, t.node)
}

// Collect evaluates t and returns every row.
func (t *Table) Collect(ctx context.Context) (*Result, error) {
	return t.execute(ctx, executor.ActionCollect)
}

// Count evaluates t and returns the number of rows.
func (t *Table) Count(ctx context.Context) (int64, error) {
	res, err := t.execute(ctx, executor.ActionCount)
	if err != nil {
		return 0, err
	}
	return res.Stats.RowsProduced, nil
}

// Show evaluates t and renders its first n rows as a text table.
func (t *Table) Show(ctx context.Context, w io.Writer, n int) error {
	res, err := t.execute(ctx, executor.ActionShow)
	if err != nil {
		return err
	}
	export.Show(w, res.Schema, res.Rows, n)
	return nil
}

// Write evaluates t and commits the rows as a partitioned dataset under
// basePath.
func (t *Table) Write(ctx context.Context, basePath string, mode types.WriteMode, keys ...string) (*partition.WriteResult, error) {
	res, err := t.execute(ctx, executor.ActionWrite)
	if err != nil {
		return nil, err
	}
	w := partition.NewWriter(t.session.fs, t.session.partitionOptions()...)
	return w.Write(ctx, res.Rows, res.Schema, basePath, mode, types.PartitionKey(keys))
}

// Materialize evaluates t once and returns a table over the collected
// rows. Later changes to the inputs of t are not seen by the snapshot.
func (t *Table) Materialize(ctx context.Context) (*Table, error) {
	res, err := t.execute(ctx, executor.ActionMaterialize)
	if err != nil {
		return nil, err
	}
	src, err := plan.NewRowsSource("materialized", res.Schema, res.Rows)
	if err != nil {
		return nil, err
	}
	return t.session.wrap(plan.NewScan(src)), nil
}

// ToArrow evaluates t into one Arrow record. The caller must Release it. A
// nil allocator uses the Go allocator.
func (t *Table) ToArrow(ctx context.Context, mem memory.Allocator) (arrow.Record, error) {
	res, err := t.execute(ctx, executor.ActionArrow)
	if err != nil {
		return nil, err
	}
	return export.ToArrow(mem, res.Schema, res.Rows)
}
