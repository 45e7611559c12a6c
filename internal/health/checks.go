package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/harborshield/internal/engine"
	"grimm.is/harborshield/internal/observer"
)

// ReconcileCheck reports the engine's enforcement state. Reaching the retry
// ceiling is unhealthy, with or without the fail-closed ruleset in place;
// failed passes below the ceiling are degraded.
func ReconcileCheck(status func() engine.Status) CheckFunc {
	return func(ctx context.Context) Check {
		s := status()
		switch {
		case s.FailClosed:
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("fail-closed after %d failures: %s", s.ConsecutiveFailures, s.LastError)}
		case s.CeilingReached:
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("retry ceiling reached after %d failures, fail-closed ruleset not applied: %s", s.ConsecutiveFailures, s.LastError)}
		case s.LastOutcome == engine.OutcomeApplyFailed:
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("retrying (%d failures): %s", s.ConsecutiveFailures, s.LastError)}
		case s.LastOutcome == engine.OutcomeStoreFailed:
			return Check{Status: StatusDegraded, Message: "applied but not persisted: " + s.LastError}
		case s.LastOutcome == engine.OutcomeNone:
			return Check{Status: StatusHealthy, Message: "no pass yet"}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("generation %d, %d managed containers", s.Generation, s.Managed)}
	}
}

// ObserverCheck reports the container runtime connection. Only a source that
// stays unreachable degrades health; enforcement continues on the last state.
func ObserverCheck(o *observer.Observer) CheckFunc {
	return func(ctx context.Context) Check {
		st := o.State()
		msg := fmt.Sprintf("%s, %d containers", st, o.Len())
		if err := o.LastError(); err != nil {
			msg += ": " + err.Error()
		}
		if st == observer.StateUnreachable {
			return Check{Status: StatusDegraded, Message: msg}
		}
		return Check{Status: StatusHealthy, Message: msg}
	}
}

// DataDirCheck verifies the state directory is writable.
func DataDirCheck(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		f, err := os.CreateTemp(dir, ".health_check")
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("data dir not writable: %v", err)}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return Check{Status: StatusHealthy, Message: filepath.Clean(dir) + " writable"}
	}
}

// RestartLoopCheck degrades health while the daemon is restarting repeatedly.
func RestartLoopCheck(looping bool, restarts int) CheckFunc {
	return func(ctx context.Context) Check {
		if looping {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("%d rapid restarts", restarts)}
		}
		return Check{Status: StatusHealthy, Message: "stable"}
	}
}
