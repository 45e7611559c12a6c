package firewall

import (
	"context"
	"sync"

	"grimm.is/harborshield/internal/ruleset"
)

// FakeApplier interprets deltas in memory. Queued failures are returned, in
// order, by the next calls to Apply and leave the state unchanged.
type FakeApplier struct {
	mu         sync.Mutex
	state      ruleset.RuleSet
	failures   []error
	applied    []ruleset.Delta
	generation uint64
	hook       func(ruleset.Delta)
}

// NewFakeApplier starts from the given kernel state.
func NewFakeApplier(initial ruleset.RuleSet) *FakeApplier {
	return &FakeApplier{state: initial}
}

// Apply records d and updates the in-memory state, or returns the next
// queued failure.
func (f *FakeApplier) Apply(ctx context.Context, d ruleset.Delta) (Result, error) {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, &ApplyError{Kind: Unreachable, Ops: d.Summary(), Err: err}
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return Result{}, err
	}
	if d.Empty() {
		return Result{KernelGeneration: f.generation}, nil
	}
	f.state = ruleset.ApplyDelta(f.state, d)
	f.applied = append(f.applied, d)
	f.generation++
	return Result{KernelGeneration: f.generation, Ops: len(d.Ops)}, nil
}

// Fail queues errors for the next Apply calls.
func (f *FakeApplier) Fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// FailKind queues n apply errors of the given kind.
func (f *FakeApplier) FailKind(kind ErrorKind, n int) {
	cause := map[ErrorKind]error{
		Rejected:    ErrRejected,
		Unreachable: ErrUnreachable,
		Exhausted:   ErrExhausted,
	}[kind]
	errs := make([]error, n)
	for i := range errs {
		errs[i] = &ApplyError{Kind: kind, Err: cause}
	}
	f.Fail(errs...)
}

// OnApply registers a callback run at the start of every Apply, before the
// state lock is taken.
func (f *FakeApplier) OnApply(fn func(ruleset.Delta)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = fn
}

// State returns the current in-memory kernel state.
func (f *FakeApplier) State() ruleset.RuleSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Applied returns the successfully applied deltas.
func (f *FakeApplier) Applied() []ruleset.Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ruleset.Delta(nil), f.applied...)
}
