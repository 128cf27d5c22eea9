// Package source reads delimited text files into typed rows. Inputs may be
// local paths, directories, doublestar globs or s3:// locations, optionally
// compressed.
package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/observability"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/internal/schema"
	"github.com/tabuladb/tabula/internal/storage"
	"github.com/tabuladb/tabula/pkg/types"
)

// ErrorPolicy decides what happens to a row that fails schema validation.
type ErrorPolicy int

const (
	// FailFast aborts the whole read on the first invalid row.
	FailFast ErrorPolicy = iota
	// DropMalformed skips invalid rows and counts them.
	DropMalformed
)

func (p ErrorPolicy) String() string {
	if p == DropMalformed {
		return "drop_malformed"
	}
	return "fail_fast"
}

// ParseErrorPolicy parses fail_fast or drop_malformed. Dashes are accepted
// in place of underscores.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "fail_fast", "failfast":
		return FailFast, nil
	case "drop_malformed", "drop":
		return DropMalformed, nil
	}
	return FailFast, fmt.Errorf("unknown error policy %q", s)
}

// Options control how files are parsed.
type Options struct {
	// Delimiter separates fields. Zero means a comma.
	Delimiter rune
	// HasHeader marks the first record of every file as a header.
	HasHeader bool
	Policy    ErrorPolicy
	// Parallelism bounds how many files are parsed at once. Zero means
	// GOMAXPROCS.
	Parallelism int
	// SampleRows bounds the records examined when inferring a schema.
	SampleRows int
}

func (o Options) delimiter() rune {
	if o.Delimiter == 0 {
		return ','
	}
	return o.Delimiter
}

func (o Options) parallelism() int {
	if o.Parallelism <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return o.Parallelism
}

func (o Options) sampleRows() int {
	if o.SampleRows <= 0 {
		return schema.DefaultSampleRows
	}
	return o.SampleRows
}

// Result is the outcome of a read. Rows of all files are concatenated in
// file order.
type Result struct {
	Schema types.Schema
	Rows   []types.Row
	Stats  plan.ScanStats
}

// Reader parses delimited files. The zero value is not usable; create one
// with NewReader.
type Reader struct {
	logger     log.Logger
	metrics    *observability.Metrics
	opener     storage.BucketOpener
	stagingDir string
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithLogger sets the logger used for dropped-row warnings and read summaries.
func WithLogger(logger log.Logger) ReaderOption {
	return func(r *Reader) { r.logger = observability.OrNop(logger) }
}

// WithMetrics records rows read and dropped.
func WithMetrics(m *observability.Metrics) ReaderOption {
	return func(r *Reader) { r.metrics = m }
}

// WithBucketOpener enables s3:// inputs.
func WithBucketOpener(opener storage.BucketOpener) ReaderOption {
	return func(r *Reader) { r.opener = opener }
}

// WithStagingDir sets the parent directory for downloaded remote inputs.
// The default is the system temporary directory.
func WithStagingDir(dir string) ReaderOption {
	return func(r *Reader) { r.stagingDir = dir }
}

// NewReader creates a Reader.
func NewReader(opts ...ReaderOption) *Reader {
	r := &Reader{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read expands paths, parses every file against h and concatenates the rows.
// A nil handle infers the schema from the first file. The result is the same
// for every degree of parallelism; when several files fail, the error of the
// first failing file in path order is returned.
func (r *Reader) Read(ctx context.Context, paths []string, h *schema.Handle, opts Options) (*Result, error) {
	start := time.Now()
	files, cleanup, err := r.resolve(ctx, paths, opts.parallelism())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if h == nil {
		if h, err = r.infer(files[0], opts); err != nil {
			return nil, err
		}
	}

	type fileResult struct {
		rows    []types.Row
		dropped int64
		err     error
	}
	results := make([]fileResult, len(files))

	g := new(errgroup.Group)
	g.SetLimit(opts.parallelism())
	for i := range files {
		i := i
		g.Go(func() error {
			rows, dropped, err := r.parseFile(ctx, files[i], h, opts)
			results[i] = fileResult{rows: rows, dropped: dropped, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Schema: h.Schema()}
	for i, fr := range results {
		if fr.err != nil {
			return nil, fr.err
		}
		res.Rows = append(res.Rows, fr.rows...)
		res.Stats.Files = append(res.Stats.Files, files[i].name)
		res.Stats.RowsDropped += fr.dropped
	}
	res.Stats.RowsRead = int64(len(res.Rows))

	r.metrics.AddRowsRead("csv", len(res.Rows))
	if res.Stats.RowsDropped > 0 {
		r.metrics.AddRowsDropped(int(res.Stats.RowsDropped))
		level.Warn(r.logger).Log("msg", "dropped malformed rows", "dropped", res.Stats.RowsDropped, "files", len(files))
	}
	level.Debug(r.logger).Log("msg", "read delimited files", "files", len(files), "rows", res.Stats.RowsRead, "duration", time.Since(start))
	return res, nil
}

// parseFile parses one file. Under DropMalformed invalid rows are counted
// instead of failing the file. Header problems always fail.
func (r *Reader) parseFile(ctx context.Context, f inputFile, h *schema.Handle, opts Options) ([]types.Row, int64, error) {
	rc, err := openInput(f.local)
	if err != nil {
		return nil, 0, terrors.NewStorageError(terrors.CodeIOFailure, "cannot open input", err).WithDetail("file", f.name)
	}
	defer rc.Close()

	cr := newCSVReader(rc, opts)
	if opts.HasHeader {
		header, err := cr.Read()
		if err == io.EOF {
			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, terrors.NewSchemaError(terrors.CodeHeaderMismatch, "unreadable header").
				WithDetail("file", f.name)
		}
		if err := checkHeader(h.Schema(), header); err != nil {
			return nil, 0, err.WithDetail("file", f.name)
		}
	}

	var (
		rows    []types.Row
		dropped int64
	)
	for n := 0; ; n++ {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}

		var rowErr *terrors.TabulaError
		var row types.Row
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, 0, terrors.NewStorageError(terrors.CodeIOFailure, "read failed", err).WithDetail("file", f.name)
			}
			rowErr = terrors.Wrap(terrors.ErrCategorySchema, terrors.CodeRowArity, "malformed record", pe).
				WithDetail("line", pe.Line)
		} else {
			row, err = schema.ValidateRow(h, rec)
			if err != nil {
				line, _ := cr.FieldPos(0)
				rowErr, _ = terrors.As(err)
				if rowErr == nil {
					rowErr = terrors.NewInternalError("row validation failed", err)
				}
				rowErr = rowErr.WithDetail("line", line)
			}
		}

		if rowErr != nil {
			if opts.Policy == DropMalformed {
				dropped++
				level.Debug(r.logger).Log("msg", "dropping row", "file", f.name, "err", rowErr)
				continue
			}
			return nil, 0, rowErr.WithDetail("file", f.name)
		}
		rows = append(rows, row)
	}
	return rows, dropped, nil
}

// infer builds a schema from the header and leading records of f.
func (r *Reader) infer(f inputFile, opts Options) (*schema.Handle, error) {
	rc, err := openInput(f.local)
	if err != nil {
		return nil, terrors.NewStorageError(terrors.CodeIOFailure, "cannot open input", err).WithDetail("file", f.name)
	}
	defer rc.Close()

	cr := newCSVReader(rc, opts)
	var header []string
	var sample [][]string
	for len(sample) < opts.sampleRows() {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return nil, terrors.NewStorageError(terrors.CodeIOFailure, "read failed", err).WithDetail("file", f.name)
		}
		if opts.HasHeader && header == nil {
			header = trimBOM(rec)
			continue
		}
		sample = append(sample, rec)
	}

	s := schema.Infer(header, sample)
	if s.Len() == 0 {
		return nil, terrors.NewSchemaError(terrors.CodeInvalidSchema, "cannot infer a schema from an empty file").
			WithDetail("file", f.name)
	}
	level.Info(r.logger).Log("msg", "inferred schema", "file", f.name, "schema", s.String())
	return schema.NewHandle(s)
}

func newCSVReader(rd io.Reader, opts Options) *csv.Reader {
	cr := csv.NewReader(bufio.NewReaderSize(rd, 64*1024))
	cr.Comma = opts.delimiter()
	cr.FieldsPerRecord = -1
	return cr
}

func checkHeader(s types.Schema, header []string) *terrors.TabulaError {
	header = trimBOM(header)
	want := s.Names()
	ok := len(header) == len(want)
	for i := 0; ok && i < len(want); i++ {
		ok = strings.TrimSpace(header[i]) == want[i]
	}
	if ok {
		return nil
	}
	return terrors.NewSchemaError(terrors.CodeHeaderMismatch, "header does not match schema").
		WithDetails(map[string]interface{}{
			"expected": strings.Join(want, ","),
			"got":      strings.Join(header, ","),
		})
}

func trimBOM(rec []string) []string {
	if len(rec) > 0 {
		rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
	}
	return rec
}
