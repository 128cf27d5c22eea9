package partition

import (
	"github.com/tabuladb/tabula/pkg/types"
)

// MinMax holds min/max values for a column.
type MinMax struct {
	Min interface{}
	Max interface{}
}

// ColumnStats summarizes one column of a partition.
type ColumnStats struct {
	MinMax
	NullCount int64
}

// StatsTracker tracks per-column statistics while a partition is written.
type StatsTracker struct {
	schema   types.Schema
	rowCount int64
	columns  []ColumnStats
	seen     []bool
}

// NewStatsTracker creates a tracker for rows of s.
func NewStatsTracker(s types.Schema) *StatsTracker {
	return &StatsTracker{
		schema:  s,
		columns: make([]ColumnStats, s.Len()),
		seen:    make([]bool, s.Len()),
	}
}

// Update updates statistics with a new row.
func (s *StatsTracker) Update(row types.Row) {
	s.rowCount++
	for i, v := range row {
		c := &s.columns[i]
		if v == nil {
			c.NullCount++
			continue
		}
		if !s.seen[i] || types.Compare(v, c.Min) < 0 {
			c.Min = v
		}
		if !s.seen[i] || types.Compare(v, c.Max) > 0 {
			c.Max = v
		}
		s.seen[i] = true
	}
}

// Stats returns the statistics keyed by column name. Columns holding only
// nulls have nil Min and Max.
func (s *StatsTracker) Stats() map[string]ColumnStats {
	stats := make(map[string]ColumnStats, len(s.columns))
	for i, col := range s.schema.Columns {
		stats[col.Name] = s.columns[i]
	}
	return stats
}

// RowCount returns the number of rows tracked.
func (s *StatsTracker) RowCount() int64 {
	return s.rowCount
}
