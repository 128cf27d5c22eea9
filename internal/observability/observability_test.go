package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFiltersLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "logfmt", "warn")
	require.NoError(t, err)

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "rows dropped", "count", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=warn")
	assert.Contains(t, out, `msg="rows dropped"`)
	assert.Contains(t, out, "count=2")
	assert.Contains(t, out, "ts=")
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "json", "debug")
	require.NoError(t, err)

	level.Debug(logger).Log("msg", "scan")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
}

func TestNewLoggerRejectsUnknown(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "xml", "info")
	assert.Error(t, err)
	_, err = NewLogger(&bytes.Buffer{}, "logfmt", "loud")
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AddRowsRead("csv", 10)
	m.AddRowsRead("csv", 5)
	m.AddRowsDropped(2)
	m.AddPartitionsWritten("overwrite", 3)
	m.AddPartitionScan(1, 2)
	m.ObserveEvaluation("collect", time.Now())

	assert.Equal(t, 15.0, testutil.ToFloat64(m.RowsRead.WithLabelValues("csv")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RowsDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PartitionsWritten.WithLabelValues("overwrite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PartitionsScanned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PartitionsPruned))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EvaluationDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AddRowsRead("csv", 1)
	m.AddRowsDropped(1)
	m.AddPartitionsWritten("append", 1)
	m.AddPartitionScan(1, 1)
	m.ObserveEvaluation("count", time.Now())
}
