package firewall

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/harborshield/internal/ruleset"
)

// Applier commits deltas to the kernel.
type Applier interface {
	Apply(ctx context.Context, d ruleset.Delta) (Result, error)
}

// Result describes a committed batch.
type Result struct {
	// KernelGeneration counts batches committed by this applier. It is
	// informational and independent of the persisted generation.
	KernelGeneration uint64
	Ops              int
}

// ErrorKind classifies apply failures.
type ErrorKind int

const (
	// Rejected means the kernel refused the batch; nothing was applied.
	Rejected ErrorKind = iota
	// Unreachable means the netlink socket could not be opened or the
	// commit did not finish within the apply timeout.
	Unreachable
	// Exhausted means the kernel ran out of memory or buffers.
	Exhausted
)

func (k ErrorKind) String() string {
	switch k {
	case Rejected:
		return "rejected"
	case Unreachable:
		return "unreachable"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is against an *ApplyError of the matching kind.
var (
	ErrRejected    = errors.New("kernel rejected batch")
	ErrUnreachable = errors.New("kernel unreachable")
	ErrExhausted   = errors.New("kernel resources exhausted")
)

// ApplyError is returned by Apply.
type ApplyError struct {
	Kind ErrorKind
	// Ops is the delta summary of the failed batch.
	Ops string
	Err error
}

func (e *ApplyError) Error() string {
	if e.Ops != "" {
		return fmt.Sprintf("apply %s (%s): %v", e.Kind, e.Ops, e.Err)
	}
	return fmt.Sprintf("apply %s: %v", e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func (e *ApplyError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return e.Kind == Rejected
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrExhausted:
		return e.Kind == Exhausted
	}
	return false
}

// KindOf returns the kind of an apply error, and false if err is not one.
func KindOf(err error) (ErrorKind, bool) {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}
