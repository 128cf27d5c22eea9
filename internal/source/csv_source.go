package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/internal/schema"
	"github.com/tabuladb/tabula/pkg/types"
)

// CSVSource is a lazy plan.Source over delimited files. Every Scan re-reads
// the files.
type CSVSource struct {
	reader *Reader
	paths  []string
	handle *schema.Handle
	opts   Options
}

// NewCSVSource binds paths to a schema without reading any rows. When h is
// nil the schema is inferred now from the first file, so that plans built
// on the source can be type-checked.
func NewCSVSource(ctx context.Context, reader *Reader, paths []string, h *schema.Handle, opts Options) (*CSVSource, error) {
	if h == nil {
		inferred, err := reader.InferSchema(ctx, paths, opts)
		if err != nil {
			return nil, err
		}
		if h, err = schema.NewHandle(inferred); err != nil {
			return nil, err
		}
	}
	return &CSVSource{
		reader: reader,
		paths:  append([]string(nil), paths...),
		handle: h,
		opts:   opts,
	}, nil
}

// InferSchema guesses a schema from the first file the paths expand to.
func (r *Reader) InferSchema(ctx context.Context, paths []string, opts Options) (types.Schema, error) {
	files, cleanup, err := r.resolve(ctx, paths, opts.parallelism())
	if err != nil {
		return types.Schema{}, err
	}
	defer cleanup()

	h, err := r.infer(files[0], opts)
	if err != nil {
		return types.Schema{}, err
	}
	return h.Schema(), nil
}

func (s *CSVSource) Schema() types.Schema { return s.handle.Schema() }

// PartitionColumns is nil: delimited inputs have no partition layout.
func (s *CSVSource) PartitionColumns() []string { return nil }

func (s *CSVSource) String() string {
	return fmt.Sprintf("csv(%s)", strings.Join(s.paths, ", "))
}

// Scan parses every file. All columns are returned.
func (s *CSVSource) Scan(ctx context.Context, _ plan.ScanRequest) (*plan.ScanResult, error) {
	res, err := s.reader.Read(ctx, s.paths, s.handle, s.opts)
	if err != nil {
		return nil, err
	}
	return &plan.ScanResult{Schema: res.Schema, Rows: res.Rows, Stats: res.Stats}, nil
}
