package scheduler

import (
	"context"
	"time"
)

// Task IDs registered by the daemon.
const (
	TaskReconcileTick = "reconcile-tick"
	TaskDriftCheck    = "drift-check"
)

// NewReconcileTickTask periodically requests a reconciliation pass. Passes
// that find nothing to change are cheap, so the tick only bounds how long a
// missed event can leave the kernel out of date.
func NewReconcileTickTask(trigger func(), interval time.Duration) *Task {
	return &Task{
		ID:          TaskReconcileTick,
		Name:        "Reconcile Tick",
		Description: "Safety-net reconciliation pass",
		Schedule:    Every(interval),
		Enabled:     interval > 0,
		Func: func(context.Context) error {
			trigger()
			return nil
		},
	}
}

// NewDriftCheckTask periodically re-lists containers from the runtime and
// emits changes for anything the event stream missed.
func NewDriftCheckTask(resync func(context.Context) error, interval, timeout time.Duration) *Task {
	return &Task{
		ID:          TaskDriftCheck,
		Name:        "Drift Check",
		Description: "Compare the container registry against the runtime",
		Schedule:    Every(interval),
		Enabled:     interval > 0,
		Timeout:     timeout,
		Func:        resync,
	}
}
