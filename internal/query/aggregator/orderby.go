package aggregator

import (
	"sort"

	"github.com/tabuladb/tabula/pkg/types"
)

// OrderBySorter sorts rows on several key columns, each ascending or
// descending.
type OrderBySorter struct {
	indices []int
	desc    []bool
}

// NewOrderBySorter creates a sorter. indices are the key positions in the
// row and desc the direction of each key.
func NewOrderBySorter(indices []int, desc []bool) *OrderBySorter {
	return &OrderBySorter{indices: indices, desc: desc}
}

// Sort sorts rows in place. The sort is stable, so rows with equal keys
// keep their input order. NULL is the smallest value: it comes first
// ascending and last descending.
func (s *OrderBySorter) Sort(rows []types.Row) {
	if len(s.indices) == 0 || len(rows) <= 1 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for k, idx := range s.indices {
			cmp := types.Compare(rows[i][idx], rows[j][idx])
			if cmp == 0 {
				continue
			}
			if s.desc[k] {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// Limit skips offset rows and keeps at most count of the rest. A negative
// count keeps everything after the offset.
func Limit(rows []types.Row, offset, count int64) []types.Row {
	if offset > 0 {
		if offset >= int64(len(rows)) {
			return []types.Row{}
		}
		rows = rows[offset:]
	}
	if count >= 0 && count < int64(len(rows)) {
		rows = rows[:count]
	}
	return rows
}
