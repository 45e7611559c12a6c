//go:build linux

package testutil

import (
	"runtime"
	"testing"

	"github.com/vishvananda/netns"
)

// NewNetNS creates an anonymous network namespace and returns its handle.
// The calling thread is left in its original namespace. The handle is
// closed when the test ends, which releases the namespace.
func NewNetNS(t *testing.T) netns.NsHandle {
	t.Helper()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		t.Fatalf("get current netns: %v", err)
	}
	defer orig.Close()

	ns, err := netns.New()
	if err != nil {
		t.Fatalf("create netns: %v", err)
	}
	if err := netns.Set(orig); err != nil {
		ns.Close()
		t.Fatalf("restore netns: %v", err)
	}
	t.Cleanup(func() { ns.Close() })
	return ns
}
