// Package app wires configuration, logging, metrics, the table catalog and
// the engine session into one application used by the tabula CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tabuladb/tabula/internal/config"
	terrors "github.com/tabuladb/tabula/internal/errors"
	"github.com/tabuladb/tabula/internal/manifest"
	"github.com/tabuladb/tabula/internal/observability"
	"github.com/tabuladb/tabula/internal/partition"
	"github.com/tabuladb/tabula/internal/query/parser"
	"github.com/tabuladb/tabula/internal/server"
	"github.com/tabuladb/tabula/internal/source"
	"github.com/tabuladb/tabula/internal/storage"
	"github.com/tabuladb/tabula/pkg/table"
	"github.com/tabuladb/tabula/pkg/types"
)

// Options keys stored with CSV tables.
const (
	optDelimiter = "delimiter"
	optHeader    = "has_header"
	optPolicy    = "error_policy"
)

// App owns the resources shared by CLI commands.
type App struct {
	cfg    *config.Config
	logger log.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics

	session  *table.Session
	opener   storage.BucketOpener
	catalog  manifest.Catalog
	shutdown *server.ShutdownManager

	metricsServer *server.MetricsServer

	// Lifecycle
	mu      sync.Mutex
	running bool
}

// New creates a new App with the given configuration. Log lines go to w.
func New(cfg *config.Config, w io.Writer) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logger, err := observability.NewLogger(w, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  observability.NewMetrics(registry),
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Start opens the catalog, builds the engine session and, when enabled,
// starts the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	if err := a.initSession(); err != nil {
		return err
	}

	catalog, err := manifest.NewCatalog(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize table catalog: %w", err)
	}
	a.catalog = catalog
	a.shutdown.RegisterCloser(catalog)
	level.Debug(a.logger).Log("msg", "table catalog opened", "path", a.cfg.Catalog.Path)

	if a.cfg.Metrics.Enabled {
		a.metricsServer = server.NewMetricsServer(a.cfg.Metrics.ListenAddr, a.registry, a.logger)
		if err := a.metricsServer.Start(); err != nil {
			_ = a.shutdown.Shutdown(ctx)
			return err
		}
		a.shutdown.RegisterCloser(a.metricsServer)
	}

	a.running = true
	return nil
}

func (a *App) initSession() error {
	compression, err := partition.ParseCompression(a.cfg.Dataset.Compression)
	if err != nil {
		return err
	}

	var opener storage.BucketOpener
	switch a.cfg.Storage.Type {
	case "local":
		opener = storage.LocalBucketOpener(a.cfg.Storage.Path)
	case "s3":
		opener = storage.S3BucketOpener(storage.S3Config{
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.UsePathStyle,
			MaxRetries:   a.cfg.Storage.S3.MaxRetries,
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}

	a.opener = opener
	a.session = table.NewSession(
		table.WithParallelism(a.cfg.Engine.Parallelism),
		table.WithChunkSize(a.cfg.Engine.ChunkSize),
		table.WithLogger(a.logger),
		table.WithMetrics(a.metrics),
		table.WithBucketOpener(opener),
		table.WithStagingDir(a.cfg.Storage.StagingDir),
		table.WithCompression(compression),
		table.WithRowGroupSize(a.cfg.Dataset.RowGroupSize),
	)
	level.Debug(a.logger).Log("msg", "session initialized", "storage", a.cfg.Storage.Type,
		"parallelism", a.cfg.Engine.Parallelism, "compression", compression)
	return nil
}

// Stop releases every resource. It is safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	return a.shutdown.Shutdown(ctx)
}

// SignalContext returns a context cancelled when the process is asked to
// stop.
func (a *App) SignalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return a.shutdown.SignalContext(ctx)
}

func (a *App) Config() *config.Config         { return a.cfg }
func (a *App) Logger() log.Logger             { return a.logger }
func (a *App) Session() *table.Session        { return a.session }
func (a *App) Catalog() manifest.Catalog      { return a.catalog }
func (a *App) Registry() *prometheus.Registry { return a.registry }

// MetricsAddr is the address of the metrics endpoint, or "" when disabled.
func (a *App) MetricsAddr() string {
	if a.metricsServer == nil {
		return ""
	}
	return a.metricsServer.Addr()
}

// csvOptions builds reader options from the configured defaults and any
// options stored with a table.
func (a *App) csvOptions(stored map[string]string, s *types.Schema) (table.CSVOptions, error) {
	opts := table.CSVOptions{Schema: s, SampleRows: a.cfg.Source.SampleRows}
	src, err := a.cfg.SourceOptions()
	if err != nil {
		return opts, err
	}
	opts.Delimiter = src.Delimiter
	opts.HasHeader = src.HasHeader
	opts.DropMalformed = src.Policy == source.DropMalformed

	if d, ok := stored[optDelimiter]; ok {
		r := []rune(d)
		if len(r) != 1 {
			return opts, fmt.Errorf("stored delimiter %q is not a single character", d)
		}
		opts.Delimiter = r[0]
	}
	if h, ok := stored[optHeader]; ok {
		if opts.HasHeader, err = strconv.ParseBool(h); err != nil {
			return opts, fmt.Errorf("stored has_header %q: %w", h, err)
		}
	}
	if p, ok := stored[optPolicy]; ok {
		policy, err := source.ParseErrorPolicy(p)
		if err != nil {
			return opts, err
		}
		opts.DropMalformed = policy == source.DropMalformed
	}
	return opts, nil
}

func storedOptions(opts table.CSVOptions) map[string]string {
	policy := source.FailFast
	if opts.DropMalformed {
		policy = source.DropMalformed
	}
	delimiter := opts.Delimiter
	if delimiter == 0 {
		delimiter = ','
	}
	return map[string]string{
		optDelimiter: string(delimiter),
		optHeader:    strconv.FormatBool(opts.HasHeader),
		optPolicy:    policy.String(),
	}
}

// IngestRequest describes a CSV to dataset load.
type IngestRequest struct {
	// Table is the catalog name the dataset is registered under. Empty
	// skips registration.
	Table  string
	Inputs []string
	// Schema types the input. Nil infers it.
	Schema *types.Schema
	Output string
	Mode   types.WriteMode
	Keys   []string
}

// IngestResult describes a finished ingest.
type IngestResult struct {
	Write       *partition.WriteResult
	RowsDropped int64
}

// Ingest reads delimited inputs and writes them as a partitioned dataset.
// The write is recorded in the commit log and the dataset is registered
// under req.Table.
func (a *App) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	opts, err := a.csvOptions(nil, req.Schema)
	if err != nil {
		return nil, err
	}
	input, err := a.session.ReadCSV(ctx, req.Inputs, opts)
	if err != nil {
		return nil, err
	}
	// Materialize once so dropped rows can be reported with the write.
	res, err := input.Collect(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := a.session.FromRows("ingest", res.Schema, res.Rows)
	if err != nil {
		return nil, err
	}
	written, err := rows.Write(ctx, req.Output, req.Mode, req.Keys...)
	if err != nil {
		return nil, err
	}

	if err := a.catalog.RecordCommit(ctx, manifest.CommitFromWrite(req.Output, written)); err != nil {
		return nil, fmt.Errorf("recording commit %s: %w", written.WriteID, err)
	}
	if req.Table != "" {
		meta, err := partition.ReadMetadata(a.session.Fs(), req.Output)
		if err != nil {
			return nil, err
		}
		rec := &manifest.TableRecord{
			Name:     req.Table,
			Kind:     manifest.TableKindDataset,
			Location: req.Output,
			Schema:   res.Schema,
		}
		if meta != nil {
			rec.Schema = meta.Schema
			rec.PartitionKeys = meta.PartitionKeys
		}
		if err := a.catalog.RegisterTable(ctx, rec); err != nil {
			return nil, err
		}
	}

	level.Info(a.logger).Log("msg", "ingest committed", "table", req.Table, "output", req.Output, "mode", req.Mode,
		"write_id", written.WriteID, "partitions", len(written.Partitions), "rows", written.RowsWritten,
		"dropped", res.Stats.RowsDropped)
	return &IngestResult{Write: written, RowsDropped: res.Stats.RowsDropped}, nil
}

// RegisterCSV registers a file, directory or glob of delimited files under
// name. The schema is inferred when s is nil.
func (a *App) RegisterCSV(ctx context.Context, name, location string, s *types.Schema) (*manifest.TableRecord, error) {
	opts, err := a.csvOptions(nil, s)
	if err != nil {
		return nil, err
	}
	t, err := a.session.ReadCSV(ctx, []string{location}, opts)
	if err != nil {
		return nil, err
	}
	rec := &manifest.TableRecord{
		Name:     name,
		Kind:     manifest.TableKindCSV,
		Location: location,
		Schema:   t.Schema(),
		Options:  storedOptions(opts),
	}
	if err := a.catalog.RegisterTable(ctx, rec); err != nil {
		return nil, err
	}
	return a.catalog.GetTable(ctx, name)
}

// RegisterDataset registers an existing dataset directory under name.
func (a *App) RegisterDataset(ctx context.Context, name, location string) (*manifest.TableRecord, error) {
	t, err := a.session.ReadDataset(location, nil)
	if err != nil {
		return nil, err
	}
	meta, err := partition.ReadMetadata(a.session.Fs(), location)
	if err != nil {
		return nil, err
	}
	rec := &manifest.TableRecord{
		Name:     name,
		Kind:     manifest.TableKindDataset,
		Location: location,
		Schema:   t.Schema(),
	}
	if meta != nil {
		rec.PartitionKeys = meta.PartitionKeys
	}
	if err := a.catalog.RegisterTable(ctx, rec); err != nil {
		return nil, err
	}
	return a.catalog.GetTable(ctx, name)
}

// Table opens a registered table as a lazy table.
func (a *App) Table(ctx context.Context, name string) (*table.Table, error) {
	rec, err := a.catalog.GetTable(ctx, name)
	if err != nil {
		return nil, err
	}
	switch rec.Kind {
	case manifest.TableKindDataset:
		return a.session.ReadDataset(rec.Location, nil)
	case manifest.TableKindCSV:
		s := rec.Schema
		opts, err := a.csvOptions(rec.Options, &s)
		if err != nil {
			return nil, err
		}
		return a.session.ReadCSV(ctx, []string{rec.Location}, opts)
	}
	return nil, terrors.NewInternalError(fmt.Sprintf("table %q has unknown kind %q", name, rec.Kind), nil)
}

// Export writes the output of write to dest. A local path is created
// directly; an s3:// location is staged and uploaded through the
// configured storage once write has finished.
func (a *App) Export(ctx context.Context, dest string, write func(io.Writer) error) error {
	if storage.IsRemote(dest) {
		if err := storage.WriteObject(ctx, a.opener, a.cfg.Storage.StagingDir, dest, write); err != nil {
			return terrors.NewStorageError(terrors.CodeIOFailure, "exporting result", err).WithDetail("path", dest)
		}
		level.Info(a.logger).Log("msg", "exported result", "location", dest)
		return nil
	}

	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return terrors.NewStorageError(terrors.CodeIOFailure, "creating export directory", err).WithDetail("path", dest)
		}
	}
	f, err := os.Create(dest)
	if err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "creating export file", err).WithDetail("path", dest)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return terrors.NewStorageError(terrors.CodeIOFailure, "closing export file", err).WithDetail("path", dest)
	}
	return nil
}

// Query plans a SELECT over a registered table.
func (a *App) Query(ctx context.Context, sql string) (*table.Table, error) {
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*parser.SelectStatement)
	if !ok {
		return nil, terrors.NewUnsupportedQueryError(terrors.CodeUnsupportedConstruct, "only SELECT statements are supported")
	}
	if sel.From == nil {
		return nil, terrors.NewPlanError(terrors.CodeInvalidPlan, "query has no FROM clause")
	}
	t, err := a.Table(ctx, sel.From.Name)
	if err != nil {
		return nil, err
	}
	return a.session.SQL(sql, map[string]*table.Table{sel.From.Name: t})
}

// Reconcile compares the catalog with the local file system.
func (a *App) Reconcile(ctx context.Context) (*manifest.ReconciliationReport, error) {
	return manifest.Reconcile(ctx, a.catalog, a.session.Fs())
}
