// Package executor evaluates operator plans.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/observability"
	"github.com/tabuladb/tabula/internal/query/aggregator"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/pkg/types"
)

// Actions label the evaluations recorded in metrics.
const (
	ActionCollect     = "collect"
	ActionCount       = "count"
	ActionShow        = "show"
	ActionWrite       = "write"
	ActionMaterialize = "materialize"
	ActionArrow       = "arrow"
)

// Result holds the rows produced by a plan.
type Result struct {
	Schema types.Schema
	Rows   []types.Row
	Stats  ExecutionStats
}

// ExecutionStats contains evaluation metrics.
type ExecutionStats struct {
	plan.ScanStats

	RowsProduced int64
	Duration     time.Duration
}

// Config holds configuration for the executor.
type Config struct {
	// Parallelism is the number of workers used by each operator (default: 4).
	Parallelism int

	// ChunkSize is the number of rows per unit of work (default: 4096).
	// Results do not depend on it.
	ChunkSize int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Parallelism: 4,
		ChunkSize:   aggregator.DefaultChunkSize,
	}
}

// Executor walks a plan tree and evaluates every node. It holds no per-query
// state and is safe for concurrent use.
type Executor struct {
	opts    aggregator.Options
	logger  log.Logger
	metrics *observability.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for evaluation summaries.
func WithLogger(logger log.Logger) Option {
	return func(e *Executor) { e.logger = observability.OrNop(logger) }
}

// WithMetrics sets the metrics that record evaluation time.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = aggregator.DefaultChunkSize
	}
	e := &Executor{
		opts:   aggregator.Options{Parallelism: cfg.Parallelism, ChunkSize: cfg.ChunkSize},
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute evaluates the plan rooted at root. action names the caller's
// operation in logs and metrics. Nothing is returned on error, and the
// plan is left untouched so it can be evaluated again.
func (e *Executor) Execute(ctx context.Context, action string, root plan.Node) (*Result, error) {
	start := time.Now()
	defer e.metrics.ObserveEvaluation(action, start)

	run := &evaluation{exec: e}
	rows, err := run.eval(ctx, root, allColumns(root), nil)
	if err != nil {
		level.Debug(e.logger).Log("msg", "evaluation failed", "action", action, "err", err)
		return nil, err
	}

	stats := ExecutionStats{
		ScanStats:    run.stats,
		RowsProduced: int64(len(rows)),
		Duration:     time.Since(start),
	}
	level.Debug(e.logger).Log(
		"msg", "plan evaluated",
		"action", action,
		"rows", stats.RowsProduced,
		"rows_read", stats.RowsRead,
		"files", len(stats.Files),
		"partitions_scanned", stats.PartitionsScanned,
		"partitions_total", stats.PartitionsTotal,
		"duration", stats.Duration,
	)
	return &Result{Schema: root.Schema(), Rows: rows, Stats: stats}, nil
}

// evaluation is the state of one Execute call.
type evaluation struct {
	exec  *Executor
	mu    sync.Mutex
	stats plan.ScanStats
}

// eval returns the rows of n in n's schema. need names the output columns
// a parent reads; other columns may be left nil. pushed holds filter
// conjuncts from ancestors that still hold at n.
func (r *evaluation) eval(ctx context.Context, n plan.Node, need columnSet, pushed []expr.Expr) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch n := n.(type) {
	case *plan.Scan:
		return r.scan(ctx, n, need, pushed)

	case *plan.Project:
		rows, err := r.eval(ctx, n.Input, newColumnSet(n.Columns...), pushed)
		if err != nil {
			return nil, err
		}
		out := make([]types.Row, len(rows))
		for i, row := range rows {
			projected := make(types.Row, len(n.Indices))
			for j, idx := range n.Indices {
				projected[j] = row[idx]
			}
			out[i] = projected
		}
		return out, nil

	case *plan.Filter:
		child := need.with(expr.Columns(n.Predicate)...)
		rows, err := r.eval(ctx, n.Input, child, append(pushed, expr.Conjuncts(n.Predicate)...))
		if err != nil {
			return nil, err
		}
		return r.filter(ctx, n, rows)

	case *plan.Derive:
		child := need.without(n.Name).with(expr.Columns(n.Expr)...)
		rows, err := r.eval(ctx, n.Input, child, excluding(pushed, n.Name))
		if err != nil {
			return nil, err
		}
		return r.derive(ctx, n, rows)

	case *plan.Aggregate:
		child := newColumnSet(n.Keys...)
		for _, a := range n.Aggregations {
			if a.Arg != nil {
				child = child.with(expr.Columns(a.Arg)...)
			}
		}
		rows, err := r.eval(ctx, n.Input, child, onlyOver(pushed, n.Keys))
		if err != nil {
			return nil, err
		}
		return aggregator.GroupAggregate(ctx, rows, n.KeyIndices, n.Aggregations, r.exec.opts)

	case *plan.Sort:
		child := need
		for _, k := range n.Keys {
			child = child.with(k.Column)
		}
		rows, err := r.eval(ctx, n.Input, child, pushed)
		if err != nil {
			return nil, err
		}
		desc := make([]bool, len(n.Keys))
		for i, k := range n.Keys {
			desc[i] = k.Desc
		}
		aggregator.NewOrderBySorter(n.KeyIndices, desc).Sort(rows)
		return rows, nil

	case *plan.Distinct:
		rows, err := r.eval(ctx, n.Input, allColumns(n.Input), pushed)
		if err != nil {
			return nil, err
		}
		return aggregator.Distinct(ctx, rows, r.exec.opts)

	case *plan.Limit:
		rows, err := r.eval(ctx, n.Input, need, nil)
		if err != nil {
			return nil, err
		}
		return aggregator.Limit(rows, n.Offset, n.Count), nil

	default:
		return nil, terrors.NewInternalError(fmt.Sprintf("executor: unknown plan node %T", n), nil)
	}
}

// scan reads the source with the needed columns and the pushable part of
// the ancestors' filters, then widens rows back to the source schema.
func (r *evaluation) scan(ctx context.Context, n *plan.Scan, need columnSet, pushed []expr.Expr) ([]types.Row, error) {
	full := n.Source.Schema()
	req := plan.ScanRequest{}
	if len(need) < full.Len() {
		for _, name := range full.Names() {
			if need[name] {
				req.Columns = append(req.Columns, name)
			}
		}
		if req.Columns == nil {
			req.Columns = []string{}
		}
	}
	if pc := n.Source.PartitionColumns(); len(pc) > 0 {
		if conj := onlyOver(pushed, pc); len(conj) > 0 {
			req.PartitionFilter = expr.And(conj[0], conj[1:]...)
		}
	}

	res, err := n.Source.Scan(ctx, req)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.stats.Add(res.Stats)
	r.mu.Unlock()

	if res.Schema.Equal(full) {
		return res.Rows, nil
	}
	return widen(res, full)
}

// widen maps rows of a column subset onto the full schema by name.
func widen(res *plan.ScanResult, full types.Schema) ([]types.Row, error) {
	pos := make([]int, res.Schema.Len())
	for i, name := range res.Schema.Names() {
		pos[i] = full.Index(name)
		if pos[i] < 0 {
			return nil, terrors.NewInternalError(fmt.Sprintf("executor: scan returned unknown column %q", name), nil)
		}
	}
	out := make([]types.Row, len(res.Rows))
	for i, row := range res.Rows {
		wide := make(types.Row, full.Len())
		for j, v := range row {
			wide[pos[j]] = v
		}
		out[i] = wide
	}
	return out, nil
}

func (r *evaluation) filter(ctx context.Context, n *plan.Filter, rows []types.Row) ([]types.Row, error) {
	keep := make([]bool, len(rows))
	var fail firstFailure
	err := aggregator.ForEachChunk(ctx, len(rows), r.exec.opts, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			ok, err := n.Compiled.Holds(rows[i])
			if err != nil {
				fail.record(i, err)
				return nil
			}
			keep[i] = ok
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := fail.err(); err != nil {
		return nil, err
	}

	out := make([]types.Row, 0, len(rows))
	for i, row := range rows {
		if keep[i] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *evaluation) derive(ctx context.Context, n *plan.Derive, rows []types.Row) ([]types.Row, error) {
	width := n.Schema().Len()
	out := make([]types.Row, len(rows))
	var fail firstFailure
	err := aggregator.ForEachChunk(ctx, len(rows), r.exec.opts, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			v, err := n.Compiled.Eval(rows[i])
			if err != nil {
				fail.record(i, err)
				return nil
			}
			row := make(types.Row, width)
			copy(row, rows[i])
			row[n.Index] = v
			out[i] = row
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := fail.err(); err != nil {
		return nil, err
	}
	return out, nil
}

// firstFailure keeps the error of the lowest failing row. Chunks stop at
// their first failure, so the overall lowest row is always among those
// recorded.
type firstFailure struct {
	mu    sync.Mutex
	row   int
	cause error
}

func (f *firstFailure) record(row int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cause == nil || row < f.row {
		f.row, f.cause = row, err
	}
}

func (f *firstFailure) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cause == nil {
		return nil
	}
	if te, ok := terrors.As(f.cause); ok {
		if _, has := te.Details["row"]; !has {
			return te.WithDetail("row", f.row)
		}
	}
	return f.cause
}
