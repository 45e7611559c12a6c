// Package events provides the in-process pub/sub bus that connects the
// container observer to the reconciliation engine and to status consumers.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Container lifecycle, emitted by the observer after its registry changed.
	EventContainerAdded   EventType = "container.added"
	EventContainerUpdated EventType = "container.updated"
	EventContainerRemoved EventType = "container.removed"

	// Observer connection state changes (synced, resyncing, unreachable).
	EventObserverState EventType = "observer.state"

	// Reconciliation outcomes, emitted by the engine after every pass.
	EventReconcileApplied EventType = "reconcile.applied"
	EventReconcileFailed  EventType = "reconcile.failed"
	EventFallbackApplied  EventType = "reconcile.fallback"
)

// ContainerEvents lists the lifecycle event types.
var ContainerEvents = []EventType{EventContainerAdded, EventContainerUpdated, EventContainerRemoved}

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // "observer", "engine"
	Data      interface{} `json:"data"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Type-Specific Payloads
// ──────────────────────────────────────────────────────────────────────────────

// ContainerData is the payload for container lifecycle events.
type ContainerData struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Set when the event was derived from a resync diff rather than a runtime event.
	Synthetic bool `json:"synthetic,omitempty"`
}

// ObserverStateData is the payload for EventObserverState.
type ObserverStateData struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// ReconcileData is the payload for reconcile events.
type ReconcileData struct {
	PassID     string        `json:"pass_id"`
	Outcome    string        `json:"outcome"`
	Generation uint64        `json:"generation"`
	Ops        int           `json:"ops"`
	Duration   time.Duration `json:"duration"`
	Attempt    int           `json:"attempt,omitempty"`
	Error      string        `json:"error,omitempty"`

	// Shape of the enforced ruleset after a successful pass.
	Managed     int `json:"managed,omitempty"`
	SetElements int `json:"set_elements,omitempty"`
}
