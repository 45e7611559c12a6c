// Package metrics exposes daemon metrics in Prometheus format.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	reg prometheus.Registerer

	// Reconciliation
	Passes            *prometheus.CounterVec
	PassDuration      prometheus.Histogram
	AppliedGeneration prometheus.Gauge
	Fallbacks         prometheus.Counter

	// Enforced ruleset
	ManagedContainers prometheus.Gauge
	SetElements       prometheus.Gauge

	// Observer
	ObserverEvents *prometheus.CounterVec
	ObserverState  *prometheus.GaugeVec
}

// Get returns the registry backed by the default Prometheus registerer,
// creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry creates and registers every metric on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{reg: reg}

	r.Passes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "harborshield_reconcile_passes_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"outcome"})

	r.PassDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "harborshield_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	r.AppliedGeneration = f.NewGauge(prometheus.GaugeOpts{
		Name: "harborshield_applied_generation",
		Help: "Generation of the last persisted applied ruleset",
	})

	r.Fallbacks = f.NewCounter(prometheus.CounterOpts{
		Name: "harborshield_fallback_activations_total",
		Help: "Times the fail-closed ruleset was applied",
	})

	r.ManagedContainers = f.NewGauge(prometheus.GaugeOpts{
		Name: "harborshield_managed_containers",
		Help: "Containers with an enforced policy",
	})

	r.SetElements = f.NewGauge(prometheus.GaugeOpts{
		Name: "harborshield_address_set_elements",
		Help: "Total elements across all address sets",
	})

	r.ObserverEvents = f.NewCounterVec(prometheus.CounterOpts{
		Name: "harborshield_observer_events_total",
		Help: "Container registry changes by kind",
	}, []string{"kind", "synthetic"})

	r.ObserverState = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harborshield_observer_state",
		Help: "1 for the observer's current connection state",
	}, []string{"state"})

	return r
}

// RecordPass records one reconciliation pass.
func (r *Registry) RecordPass(outcome string, d time.Duration) {
	r.Passes.WithLabelValues(outcome).Inc()
	r.PassDuration.Observe(d.Seconds())
}

// SetObserverState marks state as current.
func (r *Registry) SetObserverState(state string) {
	r.ObserverState.Reset()
	r.ObserverState.WithLabelValues(state).Set(1)
}
