package engine

import "time"

// State is the scheduler state.
type State string

const (
	StateIdle        State = "idle"
	StateDebouncing  State = "debouncing"
	StateReconciling State = "reconciling"
	StateRetrying    State = "retrying"
	StateFailClosed  State = "fail-closed"
)

// Outcome is the result of the most recent pass.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeApplied     Outcome = "applied"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeApplyFailed Outcome = "apply_failed"
	OutcomeStoreFailed Outcome = "store_failed"
	OutcomeFallback    Outcome = "fallback"
	outcomeCancelled   Outcome = "cancelled"
)

// Status is a point-in-time view of the engine, safe to read from any goroutine.
type Status struct {
	State       State     `json:"state"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastPassID  string    `json:"last_pass_id,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	Generation  uint64    `json:"generation"`

	// Apply failures since the last successful pass. Store failures are not counted.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// CeilingReached is set once MaxAttempts passes failed in a row, whether
	// or not the fallback could be applied, and cleared by a successful pass.
	CeilingReached bool `json:"ceiling_reached"`
	// FailClosed stays set from the fallback until a later pass succeeds.
	FailClosed bool `json:"fail_closed"`
	Managed    int  `json:"managed"`
}
