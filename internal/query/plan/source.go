package plan

import (
	"context"
	"fmt"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/expr"
	"github.com/tabuladb/tabula/pkg/types"
)

// Source produces the rows of a Scan. Implementations must return rows in
// a deterministic order for a fixed input.
type Source interface {
	Schema() types.Schema
	// Scan reads the source. The returned rows are owned by the caller.
	Scan(ctx context.Context, req ScanRequest) (*ScanResult, error)
	// PartitionColumns lists the columns a PartitionFilter may reference.
	// Sources without partitions return nil and ignore the filter.
	PartitionColumns() []string
	String() string
}

// ScanRequest narrows what a Scan has to read.
type ScanRequest struct {
	// Columns to read. Nil means every column. A source may return more
	// columns than requested, never fewer.
	Columns []string

	// PartitionFilter references partition columns only. Sources use it
	// to skip whole partitions; rows that pass still go through the plan's
	// own Filter node.
	PartitionFilter expr.Expr
}

// ScanResult holds the rows read by a Scan. Schema is the schema of Rows,
// which is a subset of the source schema in source order.
type ScanResult struct {
	Schema types.Schema
	Rows   []types.Row
	Stats  ScanStats
}

// ScanStats describes the work done by a Scan.
type ScanStats struct {
	// Files lists every data file that was opened, in read order.
	Files []string

	RowsRead    int64
	RowsDropped int64

	PartitionsTotal   int
	PartitionsScanned int
}

// Add accumulates other into s.
func (s *ScanStats) Add(other ScanStats) {
	s.Files = append(s.Files, other.Files...)
	s.RowsRead += other.RowsRead
	s.RowsDropped += other.RowsDropped
	s.PartitionsTotal += other.PartitionsTotal
	s.PartitionsScanned += other.PartitionsScanned
}

// RowsSource serves an in-memory row set. It backs tables built from Go
// values and materialized snapshots.
type RowsSource struct {
	name   string
	schema types.Schema
	rows   []types.Row
}

// NewRowsSource checks every row against s and keeps a private copy.
func NewRowsSource(name string, s types.Schema, rows []types.Row) (*RowsSource, error) {
	copied := make([]types.Row, len(rows))
	for i, row := range rows {
		if err := checkRow(s, row); err != nil {
			return nil, err.WithDetail("row", i)
		}
		copied[i] = row.Clone()
	}
	return &RowsSource{name: name, schema: s, rows: copied}, nil
}

func checkRow(s types.Schema, row types.Row) *terrors.TabulaError {
	if len(row) != s.Len() {
		return terrors.NewSchemaError(terrors.CodeRowArity,
			fmt.Sprintf("row has %d values, schema has %d columns", len(row), s.Len()))
	}
	for i, col := range s.Columns {
		v := row[i]
		if v == nil {
			if !col.Nullable {
				return terrors.NewSchemaError(terrors.CodeNullViolation,
					fmt.Sprintf("column %q is not nullable", col.Name)).WithDetail("column", col.Name)
			}
			continue
		}
		if !types.Conforms(v, col.Type) {
			return terrors.NewSchemaError(terrors.CodeTypeMismatch,
				fmt.Sprintf("column %q expects %s, got %T", col.Name, col.Type, v)).
				WithDetails(map[string]interface{}{"column": col.Name, "value": v})
		}
	}
	return nil
}

func (r *RowsSource) Schema() types.Schema      { return r.schema }
func (r *RowsSource) PartitionColumns() []string { return nil }
func (r *RowsSource) String() string             { return fmt.Sprintf("rows(%s, %d rows)", r.name, len(r.rows)) }

// Len is the number of rows held.
func (r *RowsSource) Len() int { return len(r.rows) }

// Scan returns a copy of every row. Column pruning is not applied since the
// rows are already in memory.
func (r *RowsSource) Scan(ctx context.Context, _ ScanRequest) (*ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Row, len(r.rows))
	for i, row := range r.rows {
		out[i] = row.Clone()
	}
	return &ScanResult{
		Schema: r.schema,
		Rows:   out,
		Stats:  ScanStats{RowsRead: int64(len(out))},
	}, nil
}
