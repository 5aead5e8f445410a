package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TicketMetrics provides observability for the ticket workflow engine.
type TicketMetrics interface {
	// ObserveCreate records one ticket creation attempt.
	ObserveCreate(duration time.Duration, success bool)

	// ObserveRefresh records one status refresh and the resulting state.
	ObserveRefresh(state string, transitioned bool)

	// SetActiveTasks updates the current count of non-terminal tasks.
	SetActiveTasks(count int)
}

// NewTicketMetrics creates a Prometheus-backed TicketMetrics instance, or a
// no-op implementation if metrics are disabled.
func NewTicketMetrics() TicketMetrics {
	if !IsEnabled() {
		return NewNoopTicketMetrics()
	}

	factory := promauto.With(GetRegistry())
	return &ticketMetrics{
		createDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sharebroker",
			Subsystem: "tickets",
			Name:      "create_duration_seconds",
			Help:      "Duration of external ticket creation calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharebroker",
			Subsystem: "tickets",
			Name:      "refreshes_total",
			Help:      "Task refreshes by resulting state and whether they transitioned.",
		}, []string{"state", "transitioned"}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sharebroker",
			Subsystem: "tickets",
			Name:      "active_tasks",
			Help:      "Current number of non-terminal ticket tasks.",
		}),
	}
}

type ticketMetrics struct {
	createDuration *prometheus.HistogramVec
	refreshes      *prometheus.CounterVec
	activeTasks    prometheus.Gauge
}

func (m *ticketMetrics) ObserveCreate(duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.createDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *ticketMetrics) ObserveRefresh(state string, transitioned bool) {
	t := "false"
	if transitioned {
		t = "true"
	}
	m.refreshes.WithLabelValues(state, t).Inc()
}

func (m *ticketMetrics) SetActiveTasks(count int) {
	m.activeTasks.Set(float64(count))
}

// NewNoopTicketMetrics returns a TicketMetrics that records nothing.
func NewNoopTicketMetrics() TicketMetrics {
	return noopTicketMetrics{}
}

type noopTicketMetrics struct{}

func (noopTicketMetrics) ObserveCreate(time.Duration, bool) {}
func (noopTicketMetrics) ObserveRefresh(string, bool)       {}
func (noopTicketMetrics) SetActiveTasks(int)                {}
