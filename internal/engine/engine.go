// Package engine schedules reconciliation passes.
//
// One goroutine owns the state machine:
//
//	Idle -> Debouncing -> Reconciling -> Idle
//	                          |
//	                          +-> Retrying -> Reconciling ...
//	                          +-> FailClosed (retry ceiling reached)
//
// A pass snapshots the observer registry, resolves and compiles the target
// ruleset, diffs it against the last persisted AppliedState, applies the
// delta and persists the result. Passes never overlap; triggers that arrive
// during a pass coalesce into one follow-up pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"grimm.is/harborshield/internal/clock"
	"grimm.is/harborshield/internal/events"
	"grimm.is/harborshield/internal/firewall"
	"grimm.is/harborshield/internal/logging"
	"grimm.is/harborshield/internal/observer"
	"grimm.is/harborshield/internal/policy"
	"grimm.is/harborshield/internal/ruleset"
	"grimm.is/harborshield/internal/state"
)

// ErrFatal is returned by Run when the kernel ran out of resources. The
// fail-closed ruleset has been applied, if that was possible.
var ErrFatal = errors.New("engine: fatal enforcement failure")

// Source provides the container registry.
type Source interface {
	Snapshot() policy.Snapshot
}

// Config tunes the engine. Zero durations take the defaults below.
type Config struct {
	Table      string
	HealthPort uint16
	Workers    int

	Debounce     time.Duration
	MaxDebounce  time.Duration
	ApplyTimeout time.Duration

	// Retry.MaxAttempts is the number of consecutive apply failures before
	// the fail-closed fallback is applied.
	Retry firewall.RetryConfig

	// Ready gates passes. While it returns false, passes are deferred until
	// the next trigger.
	Ready func() bool

	Clock  clock.Clock
	Logger *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.Table == "" {
		c.Table = "harborshield"
	}
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.MaxDebounce < c.Debounce {
		c.MaxDebounce = 10 * c.Debounce
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry = firewall.DefaultRetryConfig()
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Logger == nil {
		c.Logger = logging.WithComponent("engine")
	}
}

// Engine reconciles the kernel ruleset with the container registry.
type Engine struct {
	cfg     Config
	src     Source
	applier firewall.Applier
	store   state.Store
	hub     *events.Hub
	logger  *logging.Logger

	trigger chan struct{}
	status  atomic.Pointer[Status]

	// Owned by the Run goroutine.
	applied *state.AppliedState
	// trusted is false until a pass has reset the table and persisted the
	// result; until then passes diff from the empty ruleset.
	trusted bool
	// loaded is false until the store answered Load; passes retry it first.
	loaded        bool
	applyFailures int
	storeFailures int
}

// New creates an engine. hub may be nil.
func New(src Source, applier firewall.Applier, store state.Store, hub *events.Hub, cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:     cfg,
		src:     src,
		applier: applier,
		store:   store,
		hub:     hub,
		logger:  cfg.Logger,
		trigger: make(chan struct{}, 1),
	}
	e.status.Store(&Status{State: StateIdle})
	return e
}

// Trigger requests a pass. It never blocks; pending triggers coalesce.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Status returns the current status.
func (e *Engine) Status() Status {
	return *e.status.Load()
}

func (e *Engine) update(fn func(*Status)) {
	next := *e.status.Load()
	fn(&next)
	e.status.Store(&next)
}

func (e *Engine) setState(s State) {
	e.update(func(st *Status) { st.State = s })
}

// Run drives the state machine until ctx is cancelled or a fatal error
// occurs. The first pass runs immediately after startup.
func (e *Engine) Run(ctx context.Context) error {
	e.load(ctx)
	if e.hub != nil {
		go e.forwardEvents(ctx)
	}

	var retryIn time.Duration
	due := true
	for {
		if retryIn > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-e.cfg.Clock.After(retryIn):
			}
			retryIn = 0
		} else {
			if !due {
				e.setState(e.restingState())
				select {
				case <-ctx.Done():
					return nil
				case <-e.trigger:
				}
			}
			if !e.debounce(ctx) {
				return nil
			}
		}
		due = false

		if ctx.Err() != nil {
			return nil
		}
		if e.cfg.Ready != nil && !e.cfg.Ready() {
			e.logger.Debug("pass deferred until the container source is synced")
			continue
		}

		switch out, err := e.pass(ctx); out {
		case outcomeCancelled:
			return nil
		case OutcomeApplied, OutcomeUnchanged:
			e.applyFailures, e.storeFailures = 0, 0
		case OutcomeStoreFailed:
			e.storeFailures++
			retryIn = e.cfg.Retry.Delay(e.storeFailures - 1)
			e.setState(StateRetrying)
		case OutcomeApplyFailed:
			if kind, _ := firewall.KindOf(err); kind == firewall.Exhausted {
				e.update(func(s *Status) { s.CeilingReached = true })
				e.logger.Error("kernel resources exhausted, enforcing fail-closed default", "error", err)
				e.fallback(ctx, err)
				return fmt.Errorf("%w: %v", ErrFatal, err)
			}
			e.applyFailures++
			if e.applyFailures < e.cfg.Retry.MaxAttempts {
				retryIn = e.cfg.Retry.Delay(e.applyFailures - 1)
				e.setState(StateRetrying)
				break
			}
			if !e.Status().FailClosed {
				e.logger.Error("enforcement gap: retry ceiling reached, enforcing fail-closed default",
					"failures", e.applyFailures, "error", err)
				e.fallback(ctx, err)
			}
			retryIn = e.cfg.Retry.MaxDelay
			e.update(func(s *Status) {
				s.State = StateFailClosed
				s.CeilingReached = true
			})
		}
	}
}

func (e *Engine) restingState() State {
	if s := e.Status(); s.FailClosed || s.CeilingReached {
		return StateFailClosed
	}
	return StateIdle
}

// debounce waits until no trigger arrived for Debounce, or MaxDebounce
// passed. It returns false when ctx is cancelled.
func (e *Engine) debounce(ctx context.Context) bool {
	e.setState(StateDebouncing)
	deadline := e.cfg.Clock.Now().Add(e.cfg.MaxDebounce)
	wait := e.cfg.Debounce
	for {
		if remaining := deadline.Sub(e.cfg.Clock.Now()); wait > remaining {
			wait = remaining
		}
		if wait <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-e.trigger:
			wait = e.cfg.Debounce
		case <-e.cfg.Clock.After(wait):
			return true
		}
	}
}

// load restores generation continuity from the store. The loaded ruleset is
// never diffed against; the first pass resets the table. Store errors are
// not fatal: a corrupt record keeps only its generation, and any other
// failure is retried at the start of the next pass.
func (e *Engine) load(ctx context.Context) {
	st, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, state.ErrCorrupt):
		e.logger.Warn("applied state record is corrupt, rebuilding the ruleset from scratch", "error", err)
	case err != nil:
		e.logger.Error("load applied state failed", "error", err)
		return
	}
	e.loaded = true
	e.applied = st
	if st != nil {
		e.logger.Info("restored applied state", "generation", st.Generation, "fallback", st.Fallback)
		e.update(func(s *Status) {
			s.Generation = st.Generation
			s.LastSuccess = st.AppliedAt
		})
	}
}

// forwardEvents turns registry changes and observer resyncs into triggers.
func (e *Engine) forwardEvents(ctx context.Context) {
	types := append([]events.EventType{events.EventObserverState}, events.ContainerEvents...)
	ch := e.hub.Subscribe(64, types...)
	defer e.hub.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if ev.Type == events.EventObserverState {
				if d, ok := ev.Data.(events.ObserverStateData); !ok || d.State != string(observer.StateSynced) {
					continue
				}
			}
			e.Trigger()
		}
	}
}

func (e *Engine) generation() uint64 {
	if e.applied == nil {
		return 0
	}
	return e.applied.Generation
}

func (e *Engine) current() ruleset.RuleSet {
	if !e.trusted || e.applied == nil {
		return ruleset.RuleSet{}
	}
	return e.applied.RuleSet
}
