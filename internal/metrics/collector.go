package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/harborshield/internal/events"
	"grimm.is/harborshield/internal/logging"
)

// Collector updates the registry from hub events.
type Collector struct {
	registry *Registry
	hub      *events.Hub
	logger   *logging.Logger
	ch       <-chan events.Event
}

// NewCollector subscribes to hub and registers hub throughput counters.
func NewCollector(r *Registry, hub *events.Hub, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	c := &Collector{
		registry: r,
		hub:      hub,
		logger:   logger,
		ch:       hub.Subscribe(1024),
	}

	r.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "harborshield_event_hub_published_total",
			Help: "Events published on the internal hub",
		}, func() float64 {
			p, _ := hub.Stats()
			return float64(p)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "harborshield_event_hub_dropped_total",
			Help: "Events dropped because a subscriber was full",
		}, func() float64 {
			_, d := hub.Stats()
			return float64(d)
		}),
	)
	return c
}

// Run consumes events until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	defer c.hub.Unsubscribe(c.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.ch:
			c.observe(e)
		}
	}
}

func (c *Collector) observe(e events.Event) {
	r := c.registry
	switch d := e.Data.(type) {
	case events.ContainerData:
		r.ObserverEvents.WithLabelValues(string(e.Type), strconv.FormatBool(d.Synthetic)).Inc()
	case events.ObserverStateData:
		r.SetObserverState(d.State)
	case events.ReconcileData:
		r.RecordPass(d.Outcome, d.Duration)
		switch e.Type {
		case events.EventReconcileApplied:
			r.AppliedGeneration.Set(float64(d.Generation))
			r.ManagedContainers.Set(float64(d.Managed))
			r.SetElements.Set(float64(d.SetElements))
		case events.EventFallbackApplied:
			r.Fallbacks.Inc()
			r.AppliedGeneration.Set(float64(d.Generation))
		}
	default:
		c.logger.Debug("unhandled event", "type", e.Type)
	}
}
