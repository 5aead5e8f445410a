package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics provides observability for catalog reconciliation passes.
type SyncMetrics interface {
	// ObservePass records one completed (or aborted) reconciliation pass.
	ObservePass(duration time.Duration, success bool)

	// RecordChanges records the record-level outcome of a successful pass.
	RecordChanges(created, updated, deleted, conflicts int)
}

// NewSyncMetrics creates a Prometheus-backed SyncMetrics instance, or a
// no-op implementation if metrics are disabled.
func NewSyncMetrics() SyncMetrics {
	if !IsEnabled() {
		return NewNoopSyncMetrics()
	}

	factory := promauto.With(GetRegistry())
	return &syncMetrics{
		passDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sharebroker",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of catalog reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		recordChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharebroker",
			Subsystem: "sync",
			Name:      "record_changes_total",
			Help:      "Path record changes applied by reconciliation, by kind.",
		}, []string{"kind"}),
	}
}

type syncMetrics struct {
	passDuration  *prometheus.HistogramVec
	recordChanges *prometheus.CounterVec
}

func (m *syncMetrics) ObservePass(duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.passDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *syncMetrics) RecordChanges(created, updated, deleted, conflicts int) {
	m.recordChanges.WithLabelValues("created").Add(float64(created))
	m.recordChanges.WithLabelValues("updated").Add(float64(updated))
	m.recordChanges.WithLabelValues("deleted").Add(float64(deleted))
	m.recordChanges.WithLabelValues("conflict").Add(float64(conflicts))
}

// NewNoopSyncMetrics returns a SyncMetrics that records nothing.
func NewNoopSyncMetrics() SyncMetrics {
	return noopSyncMetrics{}
}

type noopSyncMetrics struct{}

func (noopSyncMetrics) ObservePass(time.Duration, bool)  {}
func (noopSyncMetrics) RecordChanges(int, int, int, int) {}
