// Package metrics provides Prometheus metrics collection for sharebroker
// components.
//
// All metrics are optional - if InitRegistry is never called, components
// receive no-op implementations with zero overhead. This allows the broker
// to run with or without metrics collection enabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	syncMetrics := metrics.NewSyncMetrics()
//	brokerMetrics := metrics.NewBrokerMetrics()
//
//	// Or pass nil to a component for no-op behavior
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all broker metrics.
	// Protected by registryOnce for write-once, read-many access.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call
// multiple times; subsequent calls are ignored. If never called, the
// metrics constructors return no-op implementations.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
