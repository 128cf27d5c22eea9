package table

import (
	"github.com/go-kit/log"
	"github.com/spf13/afero"

	"github.com/tabuladb/tabula/internal/observability"
	"github.com/tabuladb/tabula/internal/partition"
	"github.com/tabuladb/tabula/internal/query/executor"
	"github.com/tabuladb/tabula/internal/source"
	"github.com/tabuladb/tabula/internal/storage"
)

// Session holds the shared machinery every Table evaluates with: the
// executor, the CSV reader, the file system datasets live on and the
// writer settings. A Session is safe for concurrent use.
type Session struct {
	exec   *executor.Executor
	reader *source.Reader
	fs     afero.Fs

	logger  log.Logger
	metrics *observability.Metrics

	execCfg     executor.Config
	opener      storage.BucketOpener
	stagingDir  string
	compression partition.Compression
	rowGroup    int64
}

// Option configures a Session.
type Option func(*Session)

// WithParallelism sets the number of workers used by each operator and by
// the dataset writer.
func WithParallelism(n int) Option {
	return func(s *Session) { s.execCfg.Parallelism = n }
}

// WithChunkSize sets the number of rows per unit of work.
func WithChunkSize(n int) Option {
	return func(s *Session) { s.execCfg.ChunkSize = n }
}

func WithLogger(logger log.Logger) Option {
	return func(s *Session) { s.logger = observability.OrNop(logger) }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithFs sets the file system datasets are read from and written to. The
// default is the operating system's.
func WithFs(fs afero.Fs) Option {
	return func(s *Session) { s.fs = fs }
}

// WithBucketOpener enables s3:// paths in ReadCSV.
func WithBucketOpener(opener storage.BucketOpener) Option {
	return func(s *Session) { s.opener = opener }
}

// WithStagingDir sets where remote inputs are downloaded before parsing.
func WithStagingDir(dir string) Option {
	return func(s *Session) { s.stagingDir = dir }
}

// WithCompression sets the codec of written Parquet files.
func WithCompression(c partition.Compression) Option {
	return func(s *Session) { s.compression = c }
}

// WithRowGroupSize bounds the rows per Parquet row group.
func WithRowGroupSize(n int64) Option {
	return func(s *Session) { s.rowGroup = n }
}

// NewSession creates a session.
func NewSession(opts ...Option) *Session {
	s := &Session{
		fs:      afero.NewOsFs(),
		logger:  log.NewNopLogger(),
		execCfg: executor.DefaultConfig(),
	}
	for _, o := range opts {
		o(s)
	}

	s.exec = executor.New(s.execCfg,
		executor.WithLogger(s.logger),
		executor.WithMetrics(s.metrics),
	)

	readerOpts := []source.ReaderOption{
		source.WithLogger(s.logger),
		source.WithMetrics(s.metrics),
	}
	if s.opener != nil {
		readerOpts = append(readerOpts, source.WithBucketOpener(s.opener))
	}
	if s.stagingDir != "" {
		readerOpts = append(readerOpts, source.WithStagingDir(s.stagingDir))
	}
	s.reader = source.NewReader(readerOpts...)
	return s
}

func (s *Session) partitionOptions() []partition.Option {
	opts := []partition.Option{
		partition.WithLogger(s.logger),
		partition.WithMetrics(s.metrics),
		partition.WithParallelism(s.execCfg.Parallelism),
	}
	if s.compression != "" {
		opts = append(opts, partition.WithCompression(s.compression))
	}
	if s.rowGroup > 0 {
		opts = append(opts, partition.WithRowGroupSize(s.rowGroup))
	}
	return opts
}

// Fs returns the file system the session reads and writes datasets on.
func (s *Session) Fs() afero.Fs { return s.fs }

var defaultSession = NewSession()

// Default returns the session used by the package-level constructors.
func Default() *Session { return defaultSession }
