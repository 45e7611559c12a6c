// Package observer keeps the container registry in sync with the runtime.
//
// The observer subscribes to runtime events, performs a full list-and-diff
// resync before trusting them, and publishes Added/Updated/Removed events on
// the hub whenever its registry changes. Readers take deep-copied snapshots.
package observer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
)

// ErrNotFound is returned by Runtime.Inspect for containers that no longer exist.
var ErrNotFound = errors.New("container not found")

// ContainerInfo is what the runtime reports about one container.
type ContainerInfo struct {
	ID        string
	Name      string
	Labels    map[string]string
	Addresses []netip.Addr
	Running   bool
}

// RuntimeEvent reports that something about a container may have changed.
type RuntimeEvent struct {
	ContainerID string
	Action      string
}

// Runtime is the container runtime collaborator.
type Runtime interface {
	// List returns running containers.
	List(ctx context.Context) ([]ContainerInfo, error)
	// Inspect returns one container or ErrNotFound.
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	// Events streams container events until ctx is done or the stream fails.
	Events(ctx context.Context) (<-chan RuntimeEvent, <-chan error)
}

// ObserverError reports a lost or failed connection to the runtime.
type ObserverError struct {
	Op  string
	Err error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer %s: %v", e.Op, e.Err)
}

func (e *ObserverError) Unwrap() error { return e.Err }
