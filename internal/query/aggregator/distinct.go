package aggregator

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tabuladb/tabula/pkg/types"
)

// Distinct removes duplicate rows and keeps the first occurrence of each,
// in input order. Rows are hash-partitioned by their encoding so shards
// see disjoint duplicate sets.
func Distinct(ctx context.Context, rows []types.Row, opts Options) ([]types.Row, error) {
	shards := opts.parallelism()
	keys := make([]string, len(rows))
	owner := make([]int, len(rows))
	if err := ForEachChunk(ctx, len(rows), opts, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			keys[i] = EncodeRow(rows[i])
			owner[i] = shardOf(keys[i], shards)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	kept := make([][]int, shards)
	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < shards; s++ {
		s := s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			seen := make(map[string]struct{})
			for i := range rows {
				if owner[i] != s {
					continue
				}
				if _, dup := seen[keys[i]]; dup {
					continue
				}
				seen[keys[i]] = struct{}{}
				kept[s] = append(kept[s], i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var idx []int
	for _, k := range kept {
		idx = append(idx, k...)
	}
	sort.Ints(idx)

	out := make([]types.Row, len(idx))
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out, nil
}
