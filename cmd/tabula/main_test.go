package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagsWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabula.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  parallelism: 8\nlog:\n  level: debug\n"), 0o644))
	t.Setenv("TABULA_ENGINE_PARALLELISM", "6")
	t.Setenv("TABULA_LOG_FORMAT", "json")

	g := &globals{configFile: path, parallelism: 2, metricsListen: "127.0.0.1:9999"}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Parallelism)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.ListenAddr)
}

func TestReadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"columns": [
		{"name": "Item", "type": "string"},
		{"name": "Quantity", "type": "integer", "nullable": true}
	]}`), 0o644))

	s, err := readSchema(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Item", "Quantity"}, s.Names())
	assert.True(t, s.Columns[1].Nullable)

	s, err = readSchema("")
	require.NoError(t, err)
	assert.Nil(t, s)
}
