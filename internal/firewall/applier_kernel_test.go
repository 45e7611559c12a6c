//go:build linux

package firewall

import (
	"context"
	"testing"
	"time"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/harborshield/internal/ruleset"
	"grimm.is/harborshield/internal/testutil"
)

// Runs the applier against the real kernel inside a scratch network
// namespace. Enabled with HARBORSHIELD_KERNEL_TEST=1 as root.
func TestNFTApplier_Kernel(t *testing.T) {
	testutil.RequireKernel(t)
	ns := testutil.NewNetNS(t)

	dial := func() (NFTablesConn, error) { return DialNFTablesInNetNS(int(ns)) }
	a := NewApplierWithDialer(dial, 5*time.Second)
	ctx := context.Background()

	first := compiled(t,
		container("aaaa", "a", allowB, "172.17.0.2", "fd00::2"),
		container("bbbb", "b", "", "172.17.0.3"),
	)
	second := compiled(t,
		container("aaaa", "a", allowB, "172.17.0.2", "fd00::2"),
		container("bbbb", "b", "", "172.17.0.9"),
	)
	fallback := ruleset.Fallback(ruleset.FallbackOptions{Table: testTable, HealthPort: 9191})

	steps := []struct {
		name   string
		from   ruleset.RuleSet
		to     ruleset.RuleSet
		chains []string
	}{
		{"bootstrap", ruleset.RuleSet{}, first, []string{"c_aaaa_in", "c_aaaa_out", "forward"}},
		{"update set", first, second, []string{"c_aaaa_in", "c_aaaa_out", "forward"}},
		{"repeat", first, second, []string{"c_aaaa_in", "c_aaaa_out", "forward"}},
		{"fallback", second, fallback, []string{"forward", "input"}},
	}

	for _, step := range steps {
		_, err := a.Apply(ctx, ruleset.Diff(step.from, step.to))
		require.NoError(t, err, step.name)

		conn, err := dial()
		require.NoError(t, err)
		assert.ElementsMatch(t, step.chains, kernelChains(t, conn), step.name)
	}

	_, err := a.Apply(ctx, ruleset.Diff(fallback, ruleset.RuleSet{}))
	require.NoError(t, err)

	conn, err := dial()
	require.NoError(t, err)
	tables, err := conn.ListTables()
	require.NoError(t, err)
	for _, tbl := range tables {
		assert.NotEqual(t, testTable, tbl.Name, "table removed")
	}
}

func kernelChains(t *testing.T, conn NFTablesConn) []string {
	t.Helper()
	rc, ok := conn.(*RealNFTablesConn)
	require.True(t, ok)

	chains, err := rc.conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
	require.NoError(t, err)

	var names []string
	for _, c := range chains {
		if c.Table.Name == testTable {
			names = append(names, c.Name)
		}
	}
	return names
}
