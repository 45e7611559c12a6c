package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"grimm.is/harborshield/internal/clock"
	"grimm.is/harborshield/internal/events"
	"grimm.is/harborshield/internal/logging"
	"grimm.is/harborshield/internal/policy"
)

// State is the observer's connection state.
type State string

const (
	StateStarting    State = "starting"
	StateSynced      State = "synced"
	StateResyncing   State = "resyncing"
	StateUnreachable State = "unreachable"
)

var errStreamClosed = errors.New("event stream closed")

// Config controls resync and reconnect timing.
type Config struct {
	LabelPrefix string
	// ResyncTimeout bounds one list-and-diff and the time spent reconnecting
	// before the observer reports StateUnreachable.
	ResyncTimeout    time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Clock  clock.Clock
	Logger *logging.Logger
}

func (c *Config) applyDefaults() {
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = 30 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Logger == nil {
		c.Logger = logging.WithComponent("observer")
	}
}

// Observer mirrors running containers into a Registry.
type Observer struct {
	rt     Runtime
	hub    *events.Hub
	reg    *Registry
	cfg    Config
	logger *logging.Logger

	// mu serializes registry writers (event handling and resyncs).
	mu sync.Mutex

	state   atomic.Value // State
	errMu   sync.RWMutex
	lastErr error

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an observer. Call Run to start it.
func New(rt Runtime, hub *events.Hub, cfg Config) *Observer {
	cfg.applyDefaults()
	o := &Observer{
		rt:     rt,
		hub:    hub,
		reg:    NewRegistry(cfg.LabelPrefix),
		cfg:    cfg,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}
	o.state.Store(StateStarting)
	return o
}

// Ready is closed once the first resync completed.
func (o *Observer) Ready() <-chan struct{} { return o.ready }

// State returns the current connection state.
func (o *Observer) State() State { return o.state.Load().(State) }

// LastError returns the error behind the most recent connection loss.
func (o *Observer) LastError() error {
	o.errMu.RLock()
	defer o.errMu.RUnlock()
	return o.lastErr
}

// Snapshot returns a deep copy of the registry.
func (o *Observer) Snapshot() policy.Snapshot { return o.reg.Snapshot() }

// Len returns the number of registered containers.
func (o *Observer) Len() int { return o.reg.Len() }

// Run watches the runtime until ctx is cancelled. It reconnects forever;
// the only return value is nil after cancellation.
func (o *Observer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.cfg.ReconnectInitial),
		backoff.WithMaxInterval(o.cfg.ReconnectMax),
		backoff.WithMaxElapsedTime(o.cfg.ResyncTimeout),
	)

	for {
		synced, err := o.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if synced {
			// Outage starts now, not at the last successful sync.
			b.Reset()
		}

		o.setErr(err)
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			o.setState(StateUnreachable, err)
			wait = o.cfg.ReconnectMax
		} else if o.State() != StateUnreachable {
			o.setState(StateResyncing, err)
		}
		o.logger.Warn("runtime connection lost", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-o.cfg.Clock.After(wait):
		}
	}
}

// session subscribes, resyncs and consumes events until the stream fails.
func (o *Observer) session(ctx context.Context) (synced bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	evs, errs := o.rt.Events(sctx)

	changes, err := o.resync(sctx)
	if err != nil {
		return false, err
	}
	o.setErr(nil)
	o.setState(StateSynced, nil)
	o.readyOnce.Do(func() { close(o.ready) })
	o.emit(changes, true)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-errs:
			if err == nil {
				err = errStreamClosed
			}
			return true, &ObserverError{Op: "events", Err: err}
		case ev, ok := <-evs:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return true, &ObserverError{Op: "events", Err: err}
					}
				default:
				}
				return true, &ObserverError{Op: "events", Err: errStreamClosed}
			}
			if err := o.handle(sctx, ev); err != nil {
				return true, err
			}
		}
	}
}

// handle re-inspects the container an event refers to.
func (o *Observer) handle(ctx context.Context, ev RuntimeEvent) error {
	ictx, cancel := context.WithTimeout(ctx, o.cfg.ResyncTimeout)
	defer cancel()

	o.mu.Lock()
	info, err := o.rt.Inspect(ictx, ev.ContainerID)
	var (
		ch Change
		ok bool
	)
	switch {
	case errors.Is(err, ErrNotFound):
		ch, ok = o.reg.Remove(ev.ContainerID)
	case err != nil:
		o.mu.Unlock()
		return &ObserverError{Op: "inspect", Err: err}
	default:
		ch, ok = o.reg.Upsert(info)
	}
	o.mu.Unlock()

	if ok {
		o.logger.Debug("container changed", "id", policy.ShortID(ch.ID), "name", ch.Name, "change", ch.Type, "action", ev.Action)
		o.emit([]Change{ch}, false)
	}
	return nil
}

func (o *Observer) resync(ctx context.Context) ([]Change, error) {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.ResyncTimeout)
	defer cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	list, err := o.rt.List(lctx)
	if err != nil {
		return nil, &ObserverError{Op: "list", Err: err}
	}
	changes := o.reg.Replace(list)
	if len(changes) > 0 {
		o.logger.Info("resync found drift", "changes", len(changes), "containers", o.reg.Len())
	}
	return changes, nil
}

// Resync performs an out-of-band list-and-diff. It is a no-op unless the
// observer is synced; reconnects already resync.
func (o *Observer) Resync(ctx context.Context) error {
	if o.State() != StateSynced {
		return nil
	}
	changes, err := o.resync(ctx)
	if err != nil {
		o.logger.Warn("drift check failed", "error", err)
		return err
	}
	o.emit(changes, true)
	return nil
}

func (o *Observer) emit(changes []Change, synthetic bool) {
	if o.hub == nil {
		return
	}
	for _, ch := range changes {
		o.hub.EmitContainer(ch.Type, ch.ID, ch.Name, synthetic)
	}
}

func (o *Observer) setState(s State, err error) {
	prev := o.state.Swap(s)
	if prev == s {
		return
	}
	o.logger.Info("observer state", "from", prev, "to", s)
	if o.hub != nil {
		o.hub.EmitObserverState(string(s), err)
	}
}

func (o *Observer) setErr(err error) {
	o.errMu.Lock()
	o.lastErr = err
	o.errMu.Unlock()
}
