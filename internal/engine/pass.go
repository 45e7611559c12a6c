package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grimm.is/harborshield/internal/events"
	"grimm.is/harborshield/internal/policy"
	"grimm.is/harborshield/internal/ruleset"
	"grimm.is/harborshield/internal/state"
)

// detached returns a context that survives shutdown but is bounded by ApplyTimeout.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ApplyTimeout)
}

// pass runs one reconciliation. Cancellation is honoured until the delta is
// computed; from Apply through Save the pass runs to completion.
func (e *Engine) pass(ctx context.Context) (Outcome, error) {
	passID := uuid.NewString()
	log := e.logger.WithFields(map[string]any{"pass": passID})
	start := e.cfg.Clock.Now()

	e.update(func(s *Status) {
		s.State = StateReconciling
		s.LastPassID = passID
		s.LastAttempt = start
	})

	if !e.loaded {
		e.load(ctx)
	}

	snap := e.src.Snapshot()
	res, err := policy.ResolveAll(ctx, snap, e.cfg.Workers)
	if err != nil {
		return outcomeCancelled, err
	}
	for _, perr := range res.Errors {
		log.Warn("container policy rejected, denying all its traffic", "error", perr)
	}

	target := ruleset.Compile(res.Policies, ruleset.Options{Table: e.cfg.Table})
	if err := target.Validate(); err != nil {
		log.Error("compiled ruleset is inconsistent", "error", err)
		return e.failed(passID, start, OutcomeApplyFailed, 0, err), err
	}

	delta := ruleset.Diff(e.current(), target)
	if ctx.Err() != nil {
		return outcomeCancelled, ctx.Err()
	}

	if delta.Empty() && e.trusted {
		log.Debug("ruleset unchanged", "generation", e.generation())
		e.succeeded(passID, start, OutcomeUnchanged, target, len(res.Policies), 0)
		return OutcomeUnchanged, nil
	}

	cctx, cancel := e.detached(ctx)
	defer cancel()

	log.Info("applying ruleset delta", "ops", delta.Summary(), "reset", delta.Reset())
	result, err := e.applier.Apply(cctx, delta)
	if err != nil {
		// A timed-out batch may still commit; never trust the record afterwards.
		e.trusted = false
		log.Error("apply failed", "error", err, "attempt", e.applyFailures+1)
		return e.failed(passID, start, OutcomeApplyFailed, len(delta.Ops), err), err
	}

	next := state.AppliedState{
		Generation:       e.generation() + 1,
		RuleSet:          target,
		Containers:       records(snap, res),
		KernelGeneration: result.KernelGeneration,
		AppliedAt:        e.cfg.Clock.Now(),
		Summary:          delta.Summary(),
	}

	sctx, scancel := e.detached(ctx)
	defer scancel()
	if err := e.store.Save(sctx, next); err != nil {
		// The kernel is ahead of the record.
		e.trusted = false
		log.Error("persist applied state failed", "error", err, "attempt", e.storeFailures+1)
		return e.failed(passID, start, OutcomeStoreFailed, len(delta.Ops), err), err
	}
	e.applied = &next
	e.trusted = true
	e.loaded = true

	log.Info("ruleset applied", "generation", next.Generation, "containers", len(res.Policies),
		"duration", e.cfg.Clock.Since(start))
	e.logger.Audit("apply", e.cfg.Table, map[string]any{
		"pass":        passID,
		"generation":  next.Generation,
		"ops":         next.Summary,
		"fingerprint": target.Fingerprint(),
	})
	e.succeeded(passID, start, OutcomeApplied, target, len(res.Policies), len(delta.Ops))
	return OutcomeApplied, nil
}

func (e *Engine) succeeded(passID string, start time.Time, out Outcome, rs ruleset.RuleSet, managed, ops int) {
	now := e.cfg.Clock.Now()
	gen := e.generation()
	e.update(func(s *Status) {
		s.LastOutcome = out
		s.LastError = ""
		s.LastSuccess = now
		s.Generation = gen
		s.ConsecutiveFailures = 0
		s.CeilingReached = false
		s.FailClosed = false
		s.Managed = managed
	})
	e.emit(events.EventReconcileApplied, events.ReconcileData{
		PassID:      passID,
		Outcome:     string(out),
		Generation:  gen,
		Ops:         ops,
		Duration:    now.Sub(start),
		Managed:     managed,
		SetElements: rs.Stats().Elements,
	})
}

func (e *Engine) failed(passID string, start time.Time, out Outcome, ops int, err error) Outcome {
	attempt := e.storeFailures + 1
	if out == OutcomeApplyFailed {
		attempt = e.applyFailures + 1
	}
	e.update(func(s *Status) {
		s.LastOutcome = out
		s.LastError = err.Error()
		if out == OutcomeApplyFailed {
			s.ConsecutiveFailures = attempt
		}
	})
	e.emit(events.EventReconcileFailed, events.ReconcileData{
		PassID:     passID,
		Outcome:    string(out),
		Generation: e.generation(),
		Ops:        ops,
		Duration:   e.cfg.Clock.Since(start),
		Attempt:    attempt,
		Error:      err.Error(),
	})
	return out
}

// fallback applies the fail-closed ruleset from an empty baseline and
// records it. Failures are logged; there is nothing further to fall back to.
func (e *Engine) fallback(ctx context.Context, cause error) {
	passID := uuid.NewString()
	log := e.logger.WithFields(map[string]any{"pass": passID})
	start := e.cfg.Clock.Now()

	fb := ruleset.Fallback(ruleset.FallbackOptions{Table: e.cfg.Table, HealthPort: e.cfg.HealthPort})
	delta := ruleset.Diff(ruleset.RuleSet{}, fb)

	cctx, cancel := e.detached(ctx)
	defer cancel()

	result, err := e.applier.Apply(cctx, delta)
	if err != nil {
		e.trusted = false
		log.Error("fail-closed ruleset could not be applied", "error", err)
		return
	}
	e.update(func(s *Status) { s.FailClosed = true })

	next := state.AppliedState{
		Generation:       e.generation() + 1,
		RuleSet:          fb,
		KernelGeneration: result.KernelGeneration,
		AppliedAt:        e.cfg.Clock.Now(),
		Fallback:         true,
		Summary:          delta.Summary(),
	}
	sctx, scancel := e.detached(ctx)
	defer scancel()
	if err := e.store.Save(sctx, next); err != nil {
		e.trusted = false
		log.Error("persist fail-closed state failed", "error", err)
	} else {
		e.applied = &next
		e.trusted = true
		e.loaded = true
		e.update(func(s *Status) { s.Generation = next.Generation })
	}

	e.logger.Audit("fallback", e.cfg.Table, map[string]any{"pass": passID, "cause": cause.Error()})
	e.emit(events.EventFallbackApplied, events.ReconcileData{
		PassID:     passID,
		Outcome:    string(OutcomeFallback),
		Generation: e.generation(),
		Ops:        len(delta.Ops),
		Duration:   e.cfg.Clock.Since(start),
		Error:      cause.Error(),
	})
}

func (e *Engine) emit(t events.EventType, d events.ReconcileData) {
	if e.hub != nil {
		e.hub.EmitReconcile(t, d)
	}
}

// records lists every registered container with the outcome of its policy.
func records(snap policy.Snapshot, res policy.Resolution) []state.ContainerRecord {
	resolved := make(map[string]policy.ResolvedPolicy, len(res.Policies))
	for _, p := range res.Policies {
		resolved[p.ContainerID] = p
	}
	out := make([]state.ContainerRecord, 0, len(snap.Containers))
	for _, c := range snap.Containers {
		r := state.ContainerRecord{ID: c.ID, Name: c.Name, Addresses: c.Addresses}
		if p, ok := resolved[c.ID]; ok {
			r.Managed = true
			r.FailClosed = p.FailClosed
			r.Reason = p.Reason
		}
		out = append(out, r)
	}
	return out
}
