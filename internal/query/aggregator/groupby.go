package aggregator

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/pkg/types"
)

// DefaultChunkSize is the number of rows per unit of parallel work.
const DefaultChunkSize = 4096

// Options bound the parallelism of the kernels. Results never depend on
// Parallelism. ChunkSize fixes how rows are split for keyless aggregation,
// so it must stay constant for results to be reproducible.
type Options struct {
	Parallelism int
	ChunkSize   int
}

func (o Options) parallelism() int {
	if o.Parallelism <= 0 {
		return 1
	}
	return o.Parallelism
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// group is the state of one distinct key tuple.
type group struct {
	first int // index of the first row of the group
	keys  []interface{}
	aggs  *PartialAggregateSet
}

// rowError is a failure tied to the row that caused it.
type rowError struct {
	row int
	err error
}

func firstError(errs []rowError) error {
	best := -1
	for i, e := range errs {
		if e.err != nil && (best < 0 || e.row < errs[best].row) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return errs[best].err
}

// GroupAggregate groups rows by the values at keyIndices and reduces each
// group with aggs. The output has one row per distinct key tuple, keys
// first, in order of each tuple's first appearance. Without keys exactly
// one row is produced, even for empty input.
//
// Rows are hash-partitioned across shards by key, and every shard folds its
// rows in input order. A group is therefore always accumulated in the same
// order regardless of the shard count. When evaluation fails on several rows
// the error of the lowest row index is returned.
func GroupAggregate(ctx context.Context, rows []types.Row, keyIndices []int, aggs []*expr.BoundAggregation, opts Options) ([]types.Row, error) {
	if len(keyIndices) == 0 {
		return aggregateAll(ctx, rows, aggs, opts)
	}

	shards := opts.parallelism()
	keys := make([]string, len(rows))
	owner := make([]int, len(rows))
	if err := ForEachChunk(ctx, len(rows), opts, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			keys[i] = EncodeKey(rows[i], keyIndices)
			owner[i] = shardOf(keys[i], shards)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	results := make([]map[string]*group, shards)
	errs := make([]rowError, shards)
	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < shards; s++ {
		s := s
		g.Go(func() error {
			groups := make(map[string]*group)
			for i, row := range rows {
				if owner[i] != s {
					continue
				}
				if i%DefaultChunkSize == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				grp, ok := groups[keys[i]]
				if !ok {
					kv := make([]interface{}, len(keyIndices))
					for k, idx := range keyIndices {
						kv[k] = row[idx]
					}
					grp = &group{first: i, keys: kv, aggs: NewPartialAggregateSet(aggs)}
					groups[keys[i]] = grp
				}
				if err := grp.aggs.AccumulateRow(row); err != nil {
					errs[s] = rowError{row: i, err: err}
					return nil
				}
			}
			results[s] = groups
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := firstError(errs); err != nil {
		return nil, err
	}

	var all []*group
	for _, groups := range results {
		for _, grp := range groups {
			all = append(all, grp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].first < all[j].first })

	out := make([]types.Row, len(all))
	for i, grp := range all {
		row := make(types.Row, 0, len(grp.keys)+len(aggs))
		row = append(row, grp.keys...)
		row = append(row, grp.aggs.Results()...)
		out[i] = row
	}
	return out, nil
}

// aggregateAll reduces every row to a single output row. Chunks are folded
// in parallel and merged in chunk order.
func aggregateAll(ctx context.Context, rows []types.Row, aggs []*expr.BoundAggregation, opts Options) ([]types.Row, error) {
	size := opts.chunkSize()
	n := (len(rows) + size - 1) / size
	partials := make([]*PartialAggregateSet, n)
	errs := make([]rowError, n)

	if err := ForEachChunk(ctx, len(rows), opts, func(lo, hi int) error {
		set := NewPartialAggregateSet(aggs)
		for i := lo; i < hi; i++ {
			if err := set.AccumulateRow(rows[i]); err != nil {
				errs[lo/size] = rowError{row: i, err: err}
				return nil
			}
		}
		partials[lo/size] = set
		return nil
	}); err != nil {
		return nil, err
	}
	if err := firstError(errs); err != nil {
		return nil, err
	}

	total := NewPartialAggregateSet(aggs)
	for _, p := range partials {
		if err := total.Merge(p); err != nil {
			return nil, err
		}
	}
	return []types.Row{total.Results()}, nil
}

// ForEachChunk calls fn for consecutive [lo, hi) ranges of n items on up
// to opts.Parallelism goroutines. Chunk boundaries depend only on the chunk
// size.
func ForEachChunk(ctx context.Context, n int, opts Options, fn func(lo, hi int) error) error {
	size := opts.chunkSize()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallelism())
	for lo := 0; lo < n; lo += size {
		lo, hi := lo, lo+size
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}
