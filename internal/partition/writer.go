// Package partition stores row sets as Hive-style partitioned Parquet
// datasets and reads them back with partition and column pruning.
package partition

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/observability"
	"github.com/tabuladb/tabula/pkg/types"
)

const (
	stagingDir = "_staging"
	trashDir   = "_trash"
)

// settings are shared by writers and datasets.
type settings struct {
	logger       log.Logger
	metrics      *observability.Metrics
	parallelism  int
	compression  Compression
	rowGroupSize int64
}

func newSettings(opts []Option) settings {
	s := settings{logger: log.NewNopLogger(), parallelism: 4, compression: CompressionSnappy}
	for _, opt := range opts {
		opt(&s)
	}
	if s.parallelism <= 0 {
		s.parallelism = 1
	}
	return s
}

// Option configures a Writer or a Dataset.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *settings) { s.logger = observability.OrNop(logger) }
}

// WithMetrics records partitions written, scanned and pruned.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithParallelism bounds the number of files staged or read at once.
func WithParallelism(n int) Option {
	return func(s *settings) { s.parallelism = n }
}

// WithCompression sets the page codec of written files.
func WithCompression(c Compression) Option {
	return func(s *settings) { s.compression = c }
}

// WithRowGroupSize caps the rows per Parquet row group. Zero keeps the
// library default.
func WithRowGroupSize(n int64) Option {
	return func(s *settings) { s.rowGroupSize = n }
}

// WriteResult describes a committed write.
type WriteResult struct {
	WriteID     string
	Mode        types.WriteMode
	Partitions  []PartitionResult
	RowsWritten int64
}

// Files lists the committed data files in partition order.
func (r *WriteResult) Files() []string {
	files := make([]string, len(r.Partitions))
	for i, p := range r.Partitions {
		files[i] = p.File
	}
	return files
}

// PartitionResult describes one partition of a write.
type PartitionResult struct {
	Dir    string
	Values types.Row
	File   string
	Rows   int64
	Stats  map[string]ColumnStats
}

// Writer writes row sets as partitioned datasets. Files are staged under
// the dataset, then moved into place under the dataset lock, so readers
// never see a partially replaced partition.
type Writer struct {
	fs    afero.Fs
	opts  settings
	newID func() string
}

// NewWriter creates a writer on fs. A nil fs writes to the OS filesystem.
func NewWriter(fs afero.Fs, opts ...Option) *Writer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Writer{fs: fs, opts: newSettings(opts), newID: uuid.NewString}
}

// pending is a partition produced by a write, before it is committed.
type pending struct {
	dir    string
	values types.Row
	rows   []types.Row // data columns only
	stats  *StatsTracker
	file   string // staged file name
}

// Write stores rows of schema s under basePath, partitioned by keys.
//
// Overwrite replaces every partition the rows produce and leaves other
// partitions on disk untouched. Without keys the whole base path is the
// single partition. Append adds new files next to existing ones.
func (w *Writer) Write(ctx context.Context, rows []types.Row, s types.Schema, basePath string, mode types.WriteMode, keys types.PartitionKey) (*WriteResult, error) {
	start := time.Now()
	if mode != types.WriteModeOverwrite && mode != types.WriteModeAppend {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, fmt.Sprintf("unknown write mode %q", mode))
	}
	if err := ValidateKeys(s, keys); err != nil {
		return nil, err
	}
	if err := NewSchemaValidator(s).Validate(rows); err != nil {
		return nil, err
	}
	parts, err := splitPartitions(rows, s, keys)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	writeID := w.newID()
	staging := filepath.Join(basePath, stagingDir, writeID)
	defer w.removeWorkDir(basePath, stagingDir, writeID)

	data := dataSchema(s, keys)
	if err := w.stage(ctx, staging, data, parts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock, err := acquireLock(w.fs, basePath, writeID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			level.Warn(w.opts.logger).Log("msg", "failed to release dataset lock", "path", basePath, "err", err)
		}
	}()

	meta, err := ReadMetadata(w.fs, basePath)
	if err != nil {
		return nil, err
	}
	if err := w.checkCompatible(basePath, meta, s, keys, mode, parts); err != nil {
		return nil, err
	}

	c := &commit{fs: w.fs, base: basePath, staging: staging, trash: filepath.Join(basePath, trashDir, writeID)}
	defer w.removeWorkDir(basePath, trashDir, writeID)
	switch {
	case mode == types.WriteModeAppend:
		err = c.append(parts)
	case len(keys) == 0:
		err = c.replaceRoot(parts[0])
	default:
		err = c.replace(parts)
	}
	if err == nil {
		err = writeMetadata(w.fs, basePath, &Metadata{
			FormatVersion: metadataFormatVersion,
			Schema:        s,
			PartitionKeys: keys,
			Compression:   w.opts.compression,
			LastWriteID:   writeID,
			UpdatedAt:     time.Now().UTC(),
		})
		if err != nil {
			err = terrors.NewStorageError(terrors.CodeIOFailure, "writing dataset metadata", err).WithDetail("path", basePath)
		}
	}
	if err != nil {
		if rerr := c.rollback(); rerr != nil {
			level.Error(w.opts.logger).Log("msg", "rollback of failed write incomplete", "path", basePath, "write_id", writeID, "err", rerr)
		}
		return nil, err
	}

	res := &WriteResult{WriteID: writeID, Mode: mode, Partitions: make([]PartitionResult, len(parts))}
	for i, p := range parts {
		res.Partitions[i] = PartitionResult{
			Dir:    p.dir,
			Values: p.values,
			File:   filepath.Join(basePath, filepath.FromSlash(p.dir), p.file),
			Rows:   int64(len(p.rows)),
			Stats:  p.stats.Stats(),
		}
		res.RowsWritten += int64(len(p.rows))
	}
	w.opts.metrics.AddPartitionsWritten(string(mode), len(parts))
	level.Info(w.opts.logger).Log("msg", "committed dataset write", "path", basePath, "mode", mode,
		"partitions", len(parts), "rows", res.RowsWritten, "write_id", writeID, "duration", time.Since(start))
	return res, nil
}

// splitPartitions groups rows by their partition directory in order of first
// appearance. Every directory name is encoded here, before anything is
// written.
func splitPartitions(rows []types.Row, s types.Schema, keys types.PartitionKey) ([]*pending, error) {
	keyIdx := make([]int, len(keys))
	isKey := make(map[int]bool, len(keys))
	for i, k := range keys {
		keyIdx[i] = s.Index(k)
		isKey[keyIdx[i]] = true
	}
	data := dataSchema(s, keys)

	var parts []*pending
	byDir := make(map[string]*pending)
	if len(keys) == 0 {
		p := &pending{stats: NewStatsTracker(data)}
		parts = append(parts, p)
		byDir[""] = p
	}
	for i, row := range rows {
		values := make(types.Row, len(keys))
		for k, idx := range keyIdx {
			values[k] = row[idx]
		}
		dir, err := Dir(keys, values)
		if err != nil {
			if te, ok := terrors.As(err); ok {
				return nil, te.WithDetail("row", i)
			}
			return nil, err
		}
		p, ok := byDir[dir]
		if !ok {
			p = &pending{dir: dir, values: values, stats: NewStatsTracker(data)}
			byDir[dir] = p
			parts = append(parts, p)
		}
		dataRow := make(types.Row, 0, data.Len())
		for j, v := range row {
			if !isKey[j] {
				dataRow = append(dataRow, v)
			}
		}
		p.rows = append(p.rows, dataRow)
		p.stats.Update(dataRow)
	}
	return parts, nil
}

// stage writes one Parquet file per partition under the staging directory.
func (w *Writer) stage(ctx context.Context, staging string, data types.Schema, parts []*pending) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.parallelism)
	for _, p := range parts {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dir := filepath.Join(staging, filepath.FromSlash(p.dir))
			p.file = fmt.Sprintf("part-%05d-%s.parquet", 0, uuid.NewString())
			if err := w.writeFile(dir, p.file, data, p.rows); err != nil {
				return terrors.NewStorageError(terrors.CodeIOFailure, "staging partition file", err).
					WithDetails(map[string]interface{}{"partition": p.dir, "file": p.file})
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *Writer) writeFile(dir, name string, data types.Schema, rows []types.Row) error {
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := w.fs.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if err := writeParquet(f, data, rows, w.opts.compression, w.opts.rowGroupSize); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// checkCompatible rejects writes whose schema or keys differ from the stored
// dataset, unless an overwrite replaces every stored partition.
func (w *Writer) checkCompatible(base string, meta *Metadata, s types.Schema, keys types.PartitionKey, mode types.WriteMode, parts []*pending) error {
	if meta == nil || (meta.Schema.Equal(s) && sameColumns(meta.PartitionKeys, keys)) {
		return nil
	}
	mismatch := func(msg string) error {
		return terrors.NewStorageError(terrors.CodeSchemaMismatch, msg, nil).
			WithDetails(map[string]interface{}{
				"path":           base,
				"stored_schema":  meta.Schema.String(),
				"stored_keys":    meta.PartitionKeys.String(),
				"written_schema": s.String(),
				"written_keys":   keys.String(),
			})
	}
	if mode == types.WriteModeAppend {
		return mismatch("append must use the stored schema and partition keys")
	}
	if len(keys) == 0 {
		return nil
	}

	stored, err := Discover(w.fs, base, meta)
	if err != nil {
		return err
	}
	written := make(map[string]bool, len(parts))
	for _, p := range parts {
		written[p.dir] = true
	}
	for _, p := range stored.Partitions {
		if !written[p.Dir] {
			return mismatch(fmt.Sprintf("overwrite with a new schema must replace every partition; %q would be kept", p.Dir))
		}
	}
	return nil
}

func (w *Writer) removeWorkDir(base, kind, writeID string) {
	_ = w.fs.RemoveAll(filepath.Join(base, kind, writeID))
	_ = w.fs.Remove(filepath.Join(base, kind)) // only succeeds when empty
}

// commit moves staged files into the dataset and remembers every step so a
// failure can be undone.
type commit struct {
	fs      afero.Fs
	base    string
	staging string
	trash   string

	moves   []move   // completed renames, in order
	created []string // directories created by the commit, in order
}

type move struct{ from, to string }

func (c *commit) rename(from, to string) error {
	if err := c.mkdirs(filepath.Dir(to)); err != nil {
		return err
	}
	if err := c.fs.Rename(from, to); err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "moving partition data", err).
			WithDetails(map[string]interface{}{"from": from, "to": to})
	}
	c.moves = append(c.moves, move{from: from, to: to})
	return nil
}

// mkdirs creates dir and its missing parents, recording each one.
func (c *commit) mkdirs(dir string) error {
	if _, err := c.fs.Stat(dir); err == nil {
		return nil
	}
	if err := c.mkdirs(filepath.Dir(dir)); err != nil {
		return err
	}
	if err := c.fs.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
		return terrors.NewStorageError(terrors.CodeIOFailure, "creating partition directory", err).WithDetail("path", dir)
	}
	c.created = append(c.created, dir)
	return nil
}

// replace swaps every written partition directory for its staged version.
// The previous directory goes to the trash first.
func (c *commit) replace(parts []*pending) error {
	for _, p := range parts {
		target := filepath.Join(c.base, filepath.FromSlash(p.dir))
		if _, err := c.fs.Stat(target); err == nil {
			if err := c.rename(target, filepath.Join(c.trash, filepath.FromSlash(p.dir))); err != nil {
				return err
			}
		}
		if err := c.rename(filepath.Join(c.staging, filepath.FromSlash(p.dir)), target); err != nil {
			return err
		}
	}
	return nil
}

// replaceRoot replaces the content of an unpartitioned dataset. Every
// visible entry of the base path goes to the trash.
func (c *commit) replaceRoot(p *pending) error {
	entries, err := afero.ReadDir(c.fs, c.base)
	if err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "listing dataset directory", err).WithDetail("path", c.base)
	}
	for _, e := range entries {
		if hiddenName(e.Name()) {
			continue
		}
		if err := c.rename(filepath.Join(c.base, e.Name()), filepath.Join(c.trash, e.Name())); err != nil {
			return err
		}
	}
	return c.rename(filepath.Join(c.staging, p.file), filepath.Join(c.base, p.file))
}

// append moves each staged file into its partition directory.
func (c *commit) append(parts []*pending) error {
	for _, p := range parts {
		rel := path.Join(p.dir, p.file)
		if err := c.rename(filepath.Join(c.staging, filepath.FromSlash(rel)), filepath.Join(c.base, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// rollback undoes the completed renames in reverse order and removes the
// directories the commit created.
func (c *commit) rollback() error {
	var failed []string
	for i := len(c.moves) - 1; i >= 0; i-- {
		m := c.moves[i]
		if err := c.fs.Rename(m.to, m.from); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", m.to, err))
		}
	}
	for i := len(c.created) - 1; i >= 0; i-- {
		_ = c.fs.Remove(c.created[i])
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not restore %s", strings.Join(failed, "; "))
	}
	return nil
}
