// Package config provides the configuration of the tabula engine and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/tabuladb/tabula/internal/partition"
	"github.com/tabuladb/tabula/internal/source"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TABULA_"

// Config holds the configuration of the engine.
type Config struct {
	// DataDir is the base directory for the catalog and staging files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Source  SourceConfig  `json:"source" yaml:"source"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Dataset DatasetConfig `json:"dataset" yaml:"dataset"`
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// EngineConfig holds plan evaluation settings.
type EngineConfig struct {
	// Parallelism is the number of workers per operator
	Parallelism int `json:"parallelism" yaml:"parallelism"`

	// ChunkSize is the number of rows per unit of work
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`
}

// SourceConfig holds delimited input settings.
type SourceConfig struct {
	// Delimiter is the single field separator character
	Delimiter string `json:"delimiter" yaml:"delimiter"`

	HasHeader bool `json:"has_header" yaml:"has_header"`

	// ErrorPolicy is fail_fast or drop_malformed
	ErrorPolicy string `json:"error_policy" yaml:"error_policy"`

	// SampleRows bounds the records used for schema inference
	SampleRows int `json:"sample_rows" yaml:"sample_rows"`
}

// StorageConfig holds object storage settings for remote inputs.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the root that local bucket names resolve under (for local type)
	Path string `json:"path" yaml:"path"`

	// StagingDir receives downloaded remote inputs
	StagingDir string `json:"staging_dir" yaml:"staging_dir"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
	MaxRetries   int  `json:"max_retries" yaml:"max_retries"`
}

// DatasetConfig holds Parquet output settings.
type DatasetConfig struct {
	// Compression is snappy, zstd, gzip or none
	Compression string `json:"compression" yaml:"compression"`

	// RowGroupSize caps the rows per row group; zero keeps the library default
	RowGroupSize int64 `json:"row_group_size" yaml:"row_group_size"`
}

// CatalogConfig holds table catalog settings.
type CatalogConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is logfmt or json
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddr is the address serving /metrics
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tabula",
		Engine: EngineConfig{
			Parallelism: 4,
			ChunkSize:   4096,
		},
		Source: SourceConfig{
			Delimiter:   ",",
			HasHeader:   true,
			ErrorPolicy: "fail_fast",
			SampleRows:  1000,
		},
		Storage: StorageConfig{
			Type: "local",
			S3: S3Config{
				Region:     "us-east-1",
				MaxRetries: 3,
			},
		},
		Dataset: DatasetConfig{
			Compression: "snappy",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "logfmt",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9464",
		},
	}
}

// Resolve sets path defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tabula"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Storage.StagingDir == "" {
		c.Storage.StagingDir = filepath.Join(c.DataDir, "staging")
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Engine.Parallelism < 1 {
		return fmt.Errorf("engine.parallelism must be at least 1, got %d", c.Engine.Parallelism)
	}
	if c.Engine.ChunkSize < 1 {
		return fmt.Errorf("engine.chunk_size must be at least 1, got %d", c.Engine.ChunkSize)
	}
	if _, err := c.Delimiter(); err != nil {
		return err
	}
	if _, err := source.ParseErrorPolicy(c.Source.ErrorPolicy); err != nil {
		return fmt.Errorf("source.error_policy: %w", err)
	}
	if c.Source.SampleRows < 0 {
		return fmt.Errorf("source.sample_rows must not be negative, got %d", c.Source.SampleRows)
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if _, err := partition.ParseCompression(c.Dataset.Compression); err != nil {
		return fmt.Errorf("dataset.compression: %w", err)
	}
	if c.Dataset.RowGroupSize < 0 {
		return fmt.Errorf("dataset.row_group_size must not be negative, got %d", c.Dataset.RowGroupSize)
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be logfmt or json)", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// Delimiter returns the configured field separator. The escape "\t" is
// accepted for a tab.
func (c *Config) Delimiter() (rune, error) {
	d := c.Source.Delimiter
	if d == `\t` {
		d = "\t"
	}
	if d == "" {
		return ',', nil
	}
	r, size := utf8.DecodeRuneInString(d)
	if size != len(d) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
		return 0, fmt.Errorf("source.delimiter must be a single character other than a quote or newline, got %q", c.Source.Delimiter)
	}
	return r, nil
}

// SourceOptions converts the source section to reader options.
func (c *Config) SourceOptions() (source.Options, error) {
	d, err := c.Delimiter()
	if err != nil {
		return source.Options{}, err
	}
	policy, err := source.ParseErrorPolicy(c.Source.ErrorPolicy)
	if err != nil {
		return source.Options{}, err
	}
	return source.Options{
		Delimiter:   d,
		HasHeader:   c.Source.HasHeader,
		Policy:      policy,
		Parallelism: c.Engine.Parallelism,
		SampleRows:  c.Source.SampleRows,
	}, nil
}

// LoadFromFile loads configuration from a YAML or JSON file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides cfg with TABULA_ environment variables. Malformed
// numbers and booleans are reported with the variable name.
func LoadFromEnv(cfg *Config) error {
	strs := map[string]*string{
		"DATA_DIR":            &cfg.DataDir,
		"SOURCE_DELIMITER":    &cfg.Source.Delimiter,
		"SOURCE_ERROR_POLICY": &cfg.Source.ErrorPolicy,
		"STORAGE_TYPE":        &cfg.Storage.Type,
		"STORAGE_PATH":        &cfg.Storage.Path,
		"STORAGE_STAGING_DIR": &cfg.Storage.StagingDir,
		"S3_REGION":           &cfg.Storage.S3.Region,
		"S3_ENDPOINT":         &cfg.Storage.S3.Endpoint,
		"DATASET_COMPRESSION": &cfg.Dataset.Compression,
		"CATALOG_PATH":        &cfg.Catalog.Path,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FORMAT":          &cfg.Log.Format,
		"METRICS_LISTEN_ADDR": &cfg.Metrics.ListenAddr,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"ENGINE_PARALLELISM": &cfg.Engine.Parallelism,
		"ENGINE_CHUNK_SIZE":  &cfg.Engine.ChunkSize,
		"SOURCE_SAMPLE_ROWS": &cfg.Source.SampleRows,
		"S3_MAX_RETRIES":     &cfg.Storage.S3.MaxRetries,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "DATASET_ROW_GROUP_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sDATASET_ROW_GROUP_SIZE: %w", EnvPrefix, err)
		}
		cfg.Dataset.RowGroupSize = n
	}

	bools := map[string]*bool{
		"SOURCE_HAS_HEADER": &cfg.Source.HasHeader,
		"S3_USE_PATH_STYLE": &cfg.Storage.S3.UsePathStyle,
		"METRICS_ENABLED":   &cfg.Metrics.Enabled,
	}
	for name, dst := range bools {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}
	return nil
}

// Load builds the configuration: defaults, then the file at path when it is
// not empty, then the environment. Paths are resolved and the result is
// validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.StagingDir,
		filepath.Dir(c.Catalog.Path),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
