package partition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/query/plan"
	"github.com/tabuladb/tabula/pkg/types"
)

// Dataset is an opened partitioned dataset. Open fixes its schema and
// partition keys; every Scan lists the partitions again, so a Dataset sees
// the files committed by later writes.
type Dataset struct {
	fs     afero.Fs
	base   string
	opts   settings
	meta   *Metadata
	schema types.Schema
	data   types.Schema
	keys   types.Schema
}

var _ plan.Source = (*Dataset)(nil)

// Open discovers the dataset at basePath. All reads go through a read-only
// view of fs; a nil fs reads the OS filesystem.
//
// A dataset written without metadata takes its data schema from the footer
// of the first data file in path order. That file is opened for its schema
// only; scans read just the partitions their filter selects.
func Open(fs afero.Fs, basePath string, opts ...Option) (*Dataset, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	fs = afero.NewReadOnlyFs(fs)

	meta, err := ReadMetadata(fs, basePath)
	if err != nil {
		return nil, err
	}
	cat, err := Discover(fs, basePath, meta)
	if err != nil {
		return nil, err
	}

	d := &Dataset{fs: fs, base: basePath, opts: newSettings(opts), meta: meta, keys: cat.Keys}
	if meta != nil {
		d.schema = meta.Schema
		d.data = meta.DataSchema()
		return d, nil
	}

	// Without metadata the partition columns follow the data columns.
	if len(cat.Partitions) == 0 {
		return nil, terrors.NewStorageError(terrors.CodeCorruptLayout,
			fmt.Sprintf("dataset %q has no metadata and no data files", basePath), nil).WithDetail("path", basePath)
	}
	first := cat.Partitions[0].Files[0]
	pf, closeFile, err := d.openFile(first)
	if err != nil {
		return nil, err
	}
	defer closeFile()
	if d.data, err = pf.dataSchema(); err != nil {
		return nil, err
	}
	for _, k := range cat.Keys.Columns {
		if d.data.Index(k.Name) >= 0 {
			return nil, terrors.NewStorageError(terrors.CodeCorruptLayout,
				fmt.Sprintf("partition column %q is also stored in the data files", k.Name), nil).
				WithDetails(map[string]interface{}{"path": basePath, "file": first})
		}
	}
	d.schema = types.NewSchema(append(append([]types.ColumnDef(nil), d.data.Columns...), cat.Keys.Columns...)...)
	return d, nil
}

func (d *Dataset) Schema() types.Schema { return d.schema }

// PartitionColumns returns the partition keys in key order.
func (d *Dataset) PartitionColumns() []string { return d.keys.Names() }

func (d *Dataset) String() string {
	if d.keys.Len() == 0 {
		return fmt.Sprintf("dataset(%s)", d.base)
	}
	return fmt.Sprintf("dataset(%s, by %s)", d.base, strings.Join(d.keys.Names(), "/"))
}

// Metadata returns the metadata read by Open, or nil for datasets written
// without it.
func (d *Dataset) Metadata() *Metadata { return d.meta }

// Catalog lists the partitions currently on disk. It fails with
// SCHEMA_MISMATCH when a write since Open changed the schema or the
// partition keys.
func (d *Dataset) Catalog() (*Catalog, error) {
	meta, err := ReadMetadata(d.fs, d.base)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		if d.meta != nil {
			return nil, d.changed("metadata was removed")
		}
		// Decode directory values with the key types fixed by Open.
		meta = &Metadata{Schema: d.schema, PartitionKeys: d.keys.Names()}
	} else if !meta.Schema.Equal(d.schema) || !sameColumns(meta.PartitionKeys, d.keys.Names()) {
		return nil, d.changed(fmt.Sprintf("schema is now %s partitioned by [%s]", meta.Schema, meta.PartitionKeys))
	}
	return Discover(d.fs, d.base, meta)
}

func (d *Dataset) changed(what string) error {
	return terrors.NewStorageError(terrors.CodeSchemaMismatch,
		fmt.Sprintf("dataset %q changed since it was opened: %s", d.base, what), nil).WithDetail("path", d.base)
}

// Scan reads the requested columns of the partitions selected by the
// partition filter. Partitions are read in path order and files in name
// order, so the row order is fixed for a given set of files.
func (d *Dataset) Scan(ctx context.Context, req plan.ScanRequest) (*plan.ScanResult, error) {
	start := time.Now()
	out, dataCols, err := d.outputColumns(req.Columns)
	if err != nil {
		return nil, err
	}
	cat, err := d.Catalog()
	if err != nil {
		return nil, err
	}
	parts, err := cat.Select(req.PartitionFilter)
	if err != nil {
		return nil, err
	}

	type fileRef struct {
		part *Partition
		name string
	}
	var files []fileRef
	for i := range parts {
		for _, f := range parts[i].Files {
			files = append(files, fileRef{part: &parts[i], name: f})
		}
	}

	results := make([][]types.Row, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.parallelism)
	for i := range files {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := d.readFile(files[i].name, files[i].part, out, dataCols)
			results[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &plan.ScanResult{
		Schema: out,
		Stats: plan.ScanStats{
			PartitionsTotal:   len(cat.Partitions),
			PartitionsScanned: len(parts),
		},
	}
	for i, rows := range results {
		res.Rows = append(res.Rows, rows...)
		res.Stats.Files = append(res.Stats.Files, files[i].name)
	}
	res.Stats.RowsRead = int64(len(res.Rows))

	pruned := len(cat.Partitions) - len(parts)
	d.opts.metrics.AddPartitionScan(len(parts), pruned)
	d.opts.metrics.AddRowsRead("parquet", len(res.Rows))
	level.Debug(d.opts.logger).Log("msg", "scanned dataset", "path", d.base, "partitions", len(parts), "pruned", pruned,
		"files", len(files), "rows", res.Stats.RowsRead, "duration", time.Since(start))
	return res, nil
}

// outputColumns resolves a column request to the output schema, in dataset
// order, and the data columns that have to be read from files.
func (d *Dataset) outputColumns(names []string) (types.Schema, []types.ColumnDef, error) {
	if names == nil {
		return d.schema, d.data.Columns, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if d.schema.Index(n) < 0 {
			return types.Schema{}, nil, terrors.NewPlanError(terrors.CodeUnknownColumn, fmt.Sprintf("unknown column %q", n)).
				WithDetail("column", n)
		}
		want[n] = true
	}
	var out, data []types.ColumnDef
	for _, c := range d.schema.Columns {
		if !want[c.Name] {
			continue
		}
		out = append(out, c)
		if d.data.Index(c.Name) >= 0 {
			data = append(data, c)
		}
	}
	return types.NewSchema(out...), data, nil
}

func (d *Dataset) openFile(name string) (*parquetFile, func(), error) {
	f, err := d.fs.Open(name)
	if err != nil {
		return nil, nil, terrors.NewStorageError(terrors.CodeIOFailure, "opening data file", err).WithDetail("file", name)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, terrors.NewStorageError(terrors.CodeIOFailure, "reading data file size", err).WithDetail("file", name)
	}
	pf, err := openParquet(f, info.Size(), name)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return pf, func() { _ = f.Close() }, nil
}

// readFile reads one data file and assembles rows of the output schema,
// taking partition column values from the partition.
func (d *Dataset) readFile(name string, part *Partition, out types.Schema, dataCols []types.ColumnDef) ([]types.Row, error) {
	pf, closeFile, err := d.openFile(name)
	if err != nil {
		return nil, err
	}
	defer closeFile()

	columns, numRows, err := pf.readColumns(dataCols)
	if err != nil {
		return nil, err
	}

	// source[i] is the data column feeding output column i, or -1 for a
	// partition column whose value is keyIdx[i].
	source := make([]int, out.Len())
	keyIdx := make([]int, out.Len())
	for i, c := range out.Columns {
		source[i] = -1
		for j, dc := range dataCols {
			if dc.Name == c.Name {
				source[i] = j
				break
			}
		}
		if source[i] < 0 {
			keyIdx[i] = d.keys.Index(c.Name)
		}
	}

	rows := make([]types.Row, numRows)
	for r := range rows {
		row := make(types.Row, out.Len())
		for i := range row {
			if source[i] >= 0 {
				row[i] = columns[source[i]][r]
			} else {
				row[i] = part.Values[keyIdx[i]]
			}
		}
		rows[r] = row
	}
	return rows, nil
}
