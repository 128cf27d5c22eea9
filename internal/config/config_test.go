package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabuladb/tabula/internal/source"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("./data/tabula", "catalog.db"), cfg.Catalog.Path)

	opts, err := cfg.SourceOptions()
	require.NoError(t, err)
	assert.Equal(t, ',', opts.Delimiter)
	assert.Equal(t, source.FailFast, opts.Policy)
	assert.True(t, opts.HasHeader)
	assert.Equal(t, 4, opts.Parallelism)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "tabula.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
data_dir: /var/lib/tabula
engine:
  parallelism: 8
source:
  delimiter: ";"
  error_policy: drop_malformed
dataset:
  compression: zstd
log:
  format: json
`), 0o644))

	cfg, err := LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tabula", cfg.DataDir)
	assert.Equal(t, 8, cfg.Engine.Parallelism)
	assert.Equal(t, 4096, cfg.Engine.ChunkSize, "unset fields keep their defaults")
	assert.Equal(t, "zstd", cfg.Dataset.Compression)
	assert.Equal(t, "json", cfg.Log.Format)

	opts, err := cfg.SourceOptions()
	require.NoError(t, err)
	assert.Equal(t, ';', opts.Delimiter)
	assert.Equal(t, source.DropMalformed, opts.Policy)

	jsonPath := filepath.Join(dir, "tabula.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"storage": {"type": "s3", "s3": {"region": "eu-west-1"}}}`), 0o644))
	cfg, err = LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "eu-west-1", cfg.Storage.S3.Region)
	assert.Equal(t, 3, cfg.Storage.S3.MaxRetries)

	_, err = LoadFromFile(filepath.Join(dir, "tabula.toml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TABULA_DATA_DIR", "/tmp/tabula")
	t.Setenv("TABULA_ENGINE_PARALLELISM", "2")
	t.Setenv("TABULA_SOURCE_DELIMITER", `\t`)
	t.Setenv("TABULA_SOURCE_HAS_HEADER", "false")
	t.Setenv("TABULA_METRICS_ENABLED", "true")
	t.Setenv("TABULA_DATASET_ROW_GROUP_SIZE", "5000")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "/tmp/tabula", cfg.DataDir)
	assert.Equal(t, 2, cfg.Engine.Parallelism)
	assert.False(t, cfg.Source.HasHeader)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, int64(5000), cfg.Dataset.RowGroupSize)
	d, err := cfg.Delimiter()
	require.NoError(t, err)
	assert.Equal(t, '\t', d)

	t.Setenv("TABULA_ENGINE_CHUNK_SIZE", "lots")
	err = LoadFromEnv(DefaultConfig())
	assert.ErrorContains(t, err, "TABULA_ENGINE_CHUNK_SIZE")
}

func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabula.yml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  parallelism: 8\nlog:\n  level: debug\n"), 0o644))
	t.Setenv("TABULA_ENGINE_PARALLELISM", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.Parallelism, "environment overrides the file")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero parallelism", func(c *Config) { c.Engine.Parallelism = 0 }},
		{"long delimiter", func(c *Config) { c.Source.Delimiter = "||" }},
		{"quote delimiter", func(c *Config) { c.Source.Delimiter = `"` }},
		{"unknown policy", func(c *Config) { c.Source.ErrorPolicy = "ignore" }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "gcs" }},
		{"unknown compression", func(c *Config) { c.Dataset.Compression = "lzo" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
