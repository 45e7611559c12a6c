//go:build linux

package firewall

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/harborshield/internal/logging"
	"grimm.is/harborshield/internal/ruleset"
)

// dialRetry covers transient socket errors when opening the connection.
var dialRetry = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    10 * time.Millisecond,
	MaxDelay:        100 * time.Millisecond,
	BackoffFactor:   2,
	RetryableErrors: []error{unix.EINTR, unix.EAGAIN, unix.EBUSY},
}

// NFTApplier applies deltas through netlink.
type NFTApplier struct {
	dial    func() (NFTablesConn, error)
	timeout time.Duration
	logger  *logging.Logger

	generation atomic.Uint64
}

// NewApplier returns an applier that opens a fresh netlink connection per
// batch and bounds each commit by timeout.
func NewApplier(timeout time.Duration) *NFTApplier {
	return NewApplierWithDialer(DialNFTables, timeout)
}

// NewApplierWithDialer is NewApplier with a custom connection source.
func NewApplierWithDialer(dial func() (NFTablesConn, error), timeout time.Duration) *NFTApplier {
	return &NFTApplier{
		dial:    dial,
		timeout: timeout,
		logger:  logging.WithComponent("firewall"),
	}
}

// Apply stages every operation of d on one connection and commits them with
// a single Flush.
func (a *NFTApplier) Apply(ctx context.Context, d ruleset.Delta) (Result, error) {
	if d.Empty() {
		return Result{KernelGeneration: a.generation.Load()}, nil
	}
	summary := d.Summary()

	conn, err := RetryWithResult(ctx, dialRetry, a.dial)
	if err != nil {
		return Result{}, &ApplyError{Kind: Unreachable, Ops: summary, Err: err}
	}

	b := newBatch(conn, d.Table)
	if err := b.stage(d); err != nil {
		return Result{}, &ApplyError{Kind: Rejected, Ops: summary, Err: err}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- conn.Flush() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		// The batch may still land; every operation is safe to repeat.
		return Result{}, &ApplyError{Kind: Unreachable, Ops: summary, Err: ctx.Err()}
	}
	if err != nil {
		return Result{}, &ApplyError{Kind: classify(err), Ops: summary, Err: err}
	}

	gen := a.generation.Add(1)
	a.logger.Debug("batch committed", "ops", len(d.Ops), "summary", summary, "took", time.Since(start))
	return Result{KernelGeneration: gen, Ops: len(d.Ops)}, nil
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOBUFS):
		return Exhausted
	case errors.Is(err, unix.EPERM),
		errors.Is(err, unix.EACCES),
		errors.Is(err, unix.ECONNREFUSED),
		errors.Is(err, unix.EPROTONOSUPPORT),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return Unreachable
	}
	return Rejected
}
