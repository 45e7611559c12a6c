// Package testutil holds helpers for tests that need a real kernel.
package testutil

import (
	"os"
	"testing"
)

// KernelEnv enables tests that program nftables in a scratch namespace.
const KernelEnv = "HARBORSHIELD_KERNEL_TEST"

// RequireKernel skips the test unless KernelEnv is set and the process
// runs as root.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv(KernelEnv) == "" {
		t.Skipf("skipping: set %s to run kernel tests", KernelEnv)
	}
	if os.Geteuid() != 0 {
		t.Skip("skipping: kernel tests need root")
	}
}
