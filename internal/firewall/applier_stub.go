//go:build !linux

package firewall

import (
	"context"
	"errors"
	"time"

	"grimm.is/harborshield/internal/ruleset"
)

var errNoNetlink = errors.New("nftables requires linux")

// NFTApplier is unavailable outside Linux; every non-empty apply fails as
// Unreachable.
type NFTApplier struct{}

// NewApplier returns the stub applier.
func NewApplier(time.Duration) *NFTApplier { return &NFTApplier{} }

// Apply fails for any non-empty delta.
func (a *NFTApplier) Apply(_ context.Context, d ruleset.Delta) (Result, error) {
	if d.Empty() {
		return Result{}, nil
	}
	return Result{}, &ApplyError{Kind: Unreachable, Ops: d.Summary(), Err: errNoNetlink}
}
