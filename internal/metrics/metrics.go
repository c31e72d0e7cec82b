// Package metrics exports Prometheus metrics for the orchestrator: tick
// loop health, work item throughput, and provider call outcomes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for the orchestrator
type Metrics struct {
	// Tick loop
	TicksTotal      prometheus.Counter
	TickErrorsTotal prometheus.Counter
	ItemsInFlight   prometheus.Gauge

	// Work queue
	ClaimsTotal          prometheus.Counter
	RequeuesTotal        prometheus.Counter
	ReconciliationsTotal *prometheus.CounterVec
	ItemsCompletedTotal  *prometheus.CounterVec

	// Providers
	ProviderCallsTotal     *prometheus.CounterVec
	ProviderFailoversTotal *prometheus.CounterVec
	SaturationWaitSeconds  prometheus.Histogram
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "orchestrator",
		Name:      "ticks_total",
		Help:      "Total orchestrator ticks executed",
	})

	m.TickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "orchestrator",
		Name:      "tick_errors_total",
		Help:      "Ticks that ended with an error",
	})

	m.ItemsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "orchestrator",
		Name:      "items_in_flight",
		Help:      "Work items currently being executed by this instance",
	})

	m.ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Work items successfully claimed by this instance",
	})

	m.RequeuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "queue",
		Name:      "requeues_total",
		Help:      "Lease-expired work items returned to the queue",
	})

	m.ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "queue",
		Name:      "reconciliations_total",
		Help:      "Lease-expired items resolved from persisted run/output state",
	}, []string{"outcome"})

	m.ItemsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "orchestrator",
		Name:      "items_completed_total",
		Help:      "Work items reaching a terminal state, by type and status",
	}, []string{"type", "status"})

	m.ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Provider invocations, by provider key and outcome",
	}, []string{"provider", "outcome"})

	m.ProviderFailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "provider",
		Name:      "failovers_total",
		Help:      "Rate-limit failovers to the next provider candidate",
	}, []string{"provider"})

	m.SaturationWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "provider",
		Name:      "saturation_wait_seconds",
		Help:      "Time spent queued waiting for a provider quota window to reset",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	return m
}
