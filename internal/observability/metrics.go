// Package observability provides logging and metrics for the engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can take one optionally.
type Metrics struct {
	RowsRead           *prometheus.CounterVec
	RowsDropped        prometheus.Counter
	PartitionsWritten  *prometheus.CounterVec
	PartitionsScanned  prometheus.Counter
	PartitionsPruned   prometheus.Counter
	EvaluationDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RowsRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "rows_read_total",
			Help:      "Rows produced by sources, by source kind.",
		}, []string{"source"}),
		RowsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "rows_dropped_total",
			Help:      "Malformed input rows dropped under the drop policy.",
		}),
		PartitionsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "partitions_written_total",
			Help:      "Partitions committed by dataset writes, by write mode.",
		}, []string{"mode"}),
		PartitionsScanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "partitions_scanned_total",
			Help:      "Partitions whose files were opened by dataset scans.",
		}),
		PartitionsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "partitions_pruned_total",
			Help:      "Partitions skipped by partition filters.",
		}),
		EvaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tabula",
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of forced plan evaluations, by action.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}

// AddRowsRead records n rows produced by a source of the given kind.
func (m *Metrics) AddRowsRead(source string, n int) {
	if m == nil {
		return
	}
	m.RowsRead.WithLabelValues(source).Add(float64(n))
}

// AddRowsDropped records n dropped malformed rows.
func (m *Metrics) AddRowsDropped(n int) {
	if m == nil {
		return
	}
	m.RowsDropped.Add(float64(n))
}

// AddPartitionsWritten records n committed partitions.
func (m *Metrics) AddPartitionsWritten(mode string, n int) {
	if m == nil {
		return
	}
	m.PartitionsWritten.WithLabelValues(mode).Add(float64(n))
}

// AddPartitionScan records the outcome of partition pruning for one scan.
func (m *Metrics) AddPartitionScan(scanned, pruned int) {
	if m == nil {
		return
	}
	m.PartitionsScanned.Add(float64(scanned))
	m.PartitionsPruned.Add(float64(pruned))
}

// ObserveEvaluation records how long an action took since start.
func (m *Metrics) ObserveEvaluation(action string, start time.Time) {
	if m == nil {
		return
	}
	m.EvaluationDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}
