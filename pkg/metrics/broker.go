package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BrokerMetrics provides observability for access broker operations.
type BrokerMetrics interface {
	// ObserveAccess records one completed access call.
	//
	// backend is the record's backend kind, operation the requested op,
	// outcome one of "ok", "not_found", "permission_denied", "unavailable",
	// "invalid" or "error".
	ObserveAccess(backend, operation, outcome string, duration time.Duration)

	// ObserveElevationWait records how long a request waited for the
	// process-wide identity-elevation slot. Sustained growth here means
	// local-fs requests are serializing behind each other.
	ObserveElevationWait(duration time.Duration)
}

// NewBrokerMetrics creates a Prometheus-backed BrokerMetrics instance, or a
// no-op implementation if metrics are disabled.
func NewBrokerMetrics() BrokerMetrics {
	if !IsEnabled() {
		return NewNoopBrokerMetrics()
	}

	factory := promauto.With(GetRegistry())
	return &brokerMetrics{
		accessDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sharebroker",
			Subsystem: "broker",
			Name:      "access_duration_seconds",
			Help:      "Duration of access broker calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation", "outcome"}),
		elevationWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sharebroker",
			Subsystem: "broker",
			Name:      "elevation_wait_seconds",
			Help:      "Time spent waiting for the identity elevation slot.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

type brokerMetrics struct {
	accessDuration *prometheus.HistogramVec
	elevationWait  prometheus.Histogram
}

func (m *brokerMetrics) ObserveAccess(backend, operation, outcome string, duration time.Duration) {
	m.accessDuration.WithLabelValues(backend, operation, outcome).Observe(duration.Seconds())
}

func (m *brokerMetrics) ObserveElevationWait(duration time.Duration) {
	m.elevationWait.Observe(duration.Seconds())
}

// NewNoopBrokerMetrics returns a BrokerMetrics that records nothing.
func NewNoopBrokerMetrics() BrokerMetrics {
	return noopBrokerMetrics{}
}

type noopBrokerMetrics struct{}

func (noopBrokerMetrics) ObserveAccess(string, string, string, time.Duration) {}
func (noopBrokerMetrics) ObserveElevationWait(time.Duration)                  {}
