//go:build linux

package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"grimm.is/harborshield/internal/policy"
	"grimm.is/harborshield/internal/ruleset"
)

const testTable = "harborshield"

func container(id, name, rules string, ips ...string) policy.Container {
	var labels map[string]string
	if rules != "" {
		labels = map[string]string{"harborshield.rules": rules}
	}
	addrs := make([]netip.Addr, len(ips))
	for i, ip := range ips {
		addrs[i] = netip.MustParseAddr(ip)
	}
	return policy.NewContainer(id, name, labels, addrs, "harborshield")
}

func compiled(t *testing.T, cs ...policy.Container) ruleset.RuleSet {
	t.Helper()
	snap := policy.NewSnapshot(cs)
	res, err := policy.ResolveAll(context.Background(), snap, 2)
	require.NoError(t, err)
	rs := ruleset.Compile(res.Policies, ruleset.Options{Table: testTable})
	require.NoError(t, rs.Validate())
	return rs
}

const allowB = "- proto: tcp\n  ports: [80]\n  peer: {container: b}\n  action: allow\n"

func newTestApplier(conn *MockNFTablesConn) *NFTApplier {
	return NewApplierWithDialer(func() (NFTablesConn, error) { return conn, nil }, time.Second)
}

func rules(t *testing.T, conn *MockNFTablesConn, chain string) []*nftables.Rule {
	t.Helper()
	tbl := &nftables.Table{Name: testTable, Family: nftables.TableFamilyINet}
	rs, err := conn.GetRules(tbl, &nftables.Chain{Name: chain, Table: tbl})
	require.NoError(t, err)
	return rs
}

// snapshot captures committed kernel state for comparisons.
func snapshot(t *testing.T, conn *MockNFTablesConn) string {
	t.Helper()
	var b strings.Builder
	fmt.Fprintln(&b, conn.Tables())
	for _, c := range conn.Chains(testTable) {
		fmt.Fprintf(&b, "chain %s rules=%d\n", c, len(rules(t, conn, c)))
	}
	for _, s := range conn.Sets(testTable) {
		elems := conn.SetElements(testTable, s)
		slices.SortFunc(elems, netip.Addr.Compare)
		fmt.Fprintf(&b, "set %s %v\n", s, elems)
	}
	return b.String()
}

func TestNFTApplier_Bootstrap(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(nil)
	a := newTestApplier(conn)

	target := compiled(t,
		container("aaaa", "a", allowB, "172.17.0.2", "fd00::2"),
		container("bbbb", "b", "", "172.17.0.3"),
	)
	res, err := a.Apply(context.Background(), ruleset.Diff(ruleset.RuleSet{}, target))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.KernelGeneration)
	assert.Equal(t, 1, conn.Flushes, "one transaction")

	assert.Equal(t, []string{testTable}, conn.Tables())
	assert.Equal(t, []string{"c_aaaa_in", "c_aaaa_out", "forward"}, conn.Chains(testTable))

	ref := policy.ContainerNamed("b").SetName()
	assert.Equal(t, []string{ref + "4", ref + "6", "self_aaaa4", "self_aaaa6"}, conn.Sets(testTable))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("172.17.0.3")}, conn.SetElements(testTable, ref+"4"))
	assert.Empty(t, conn.SetElements(testTable, ref+"6"))
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fd00::2")}, conn.SetElements(testTable, "self_aaaa6"))

	// ct established, ct invalid, then two dispatch entries per family.
	assert.Len(t, rules(t, conn, "forward"), 6)
	// allow per family plus default deny.
	in := rules(t, conn, "c_aaaa_in")
	assert.Len(t, in, 3)
	assert.NotEmpty(t, in[0].UserData)

	assert.Equal(t, "AddTable "+testTable, conn.Log[0])
	assert.Equal(t, "DelTable "+testTable, conn.Log[1])
	assert.Equal(t, "AddTable "+testTable, conn.Log[2])
}

func TestNFTApplier_ExampleScenario(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(nil)
	a := newTestApplier(conn)
	ctx := context.Background()

	a1 := container("aaaa", "a", allowB, "172.17.0.2")
	before := compiled(t, a1, container("bbbb", "b", "", "172.17.0.3"))
	_, err := a.Apply(ctx, ruleset.Diff(ruleset.RuleSet{}, before))
	require.NoError(t, err)
	rulesBefore := len(rules(t, conn, "c_aaaa_in"))

	conn.ResetLog()
	after := compiled(t, a1)
	d := ruleset.Diff(before, after)
	require.Len(t, d.Ops, 1)
	_, err = a.Apply(ctx, d)
	require.NoError(t, err)

	ref := policy.ContainerNamed("b").SetName()
	assert.Empty(t, conn.SetElements(testTable, ref+"4"))
	assert.Len(t, rules(t, conn, "c_aaaa_in"), rulesBefore)
	for _, entry := range conn.Log {
		assert.NotContains(t, entry, "Chain", "chains untouched")
		assert.NotContains(t, entry, "Rule", "rules untouched")
	}
}

// Applying any delta a second time leaves the kernel where the first
// application left it.
func TestNFTApplier_Idempotent(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(nil)
	a := newTestApplier(conn)
	ctx := context.Background()

	a1 := container("aaaa", "a", allowB, "172.17.0.2")
	c1 := container("cccc", "c", "- direction: outbound\n  peer: {cidr: 10.0.0.0/8}\n  action: deny\n- action: allow\n", "172.17.0.4")
	states := []ruleset.RuleSet{
		compiled(t, a1, container("bbbb", "b", "", "172.17.0.3")),
		compiled(t, a1, container("bbbb", "b", "", "172.17.0.9"), c1),
		compiled(t, a1),
		ruleset.Fallback(ruleset.FallbackOptions{Table: testTable, HealthPort: 9191}),
		compiled(t, c1),
		{},
	}

	cur := ruleset.RuleSet{}
	for i, next := range states {
		d := ruleset.Diff(cur, next)
		_, err := a.Apply(ctx, d)
		require.NoError(t, err, "step %d first", i)
		first := snapshot(t, conn)

		_, err = a.Apply(ctx, d)
		require.NoError(t, err, "step %d second", i)
		assert.Equal(t, first, snapshot(t, conn), "step %d", i)
		cur = next
	}
	assert.Empty(t, conn.Tables())
}

func TestNFTApplier_FlushRejected(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(fmt.Errorf("conn.Receive: %w", unix.EINVAL)).Once()
	conn.On("Flush").Return(nil)
	a := newTestApplier(conn)

	d := ruleset.Diff(ruleset.RuleSet{}, compiled(t, container("aaaa", "a", allowB, "172.17.0.2")))
	_, err := a.Apply(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, conn.Tables(), "nothing committed")

	_, err = a.Apply(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []string{testTable}, conn.Tables())
}

// A batch whose last operation fails must not leave its earlier operations
// behind.
func TestNFTApplier_Atomic(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(nil)
	a := newTestApplier(conn)
	ctx := context.Background()

	a1 := container("aaaa", "a", allowB, "172.17.0.2")
	base := compiled(t, a1, container("bbbb", "b", "", "172.17.0.3"))
	_, err := a.Apply(ctx, ruleset.Diff(ruleset.RuleSet{}, base))
	require.NoError(t, err)
	before := snapshot(t, conn)

	target := compiled(t, a1, container("bbbb", "b", "", "172.17.0.7"))
	d := ruleset.Diff(base, target)
	require.Equal(t, ruleset.OpUpdateSet, d.Ops[0].Kind)

	broken, _ := base.Chain(ruleset.InChainName("aaaa"))
	broken.Entries = append([]ruleset.Entry{{SrcSet: "ghost", Verdict: ruleset.VerdictDrop}}, broken.Entries...)
	d.Ops = append(d.Ops, ruleset.Op{Kind: ruleset.OpAddRule, Table: testTable, Chain: &broken, Entry: &broken.Entries[0]})

	_, err = a.Apply(ctx, d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, unix.ENOENT)
	assert.Equal(t, before, snapshot(t, conn), "set update discarded with the batch")
}

func TestNFTApplier_Exhausted(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(fmt.Errorf("netlink: %w", unix.ENOBUFS))
	a := newTestApplier(conn)

	_, err := a.Apply(context.Background(), testDelta())
	assert.ErrorIs(t, err, ErrExhausted)
	kind, _ := KindOf(err)
	assert.Equal(t, Exhausted, kind)
}

func TestNFTApplier_DialFailure(t *testing.T) {
	a := NewApplierWithDialer(func() (NFTablesConn, error) {
		return nil, unix.EPROTONOSUPPORT
	}, time.Second)

	_, err := a.Apply(context.Background(), testDelta())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, unix.EPROTONOSUPPORT)
}

func TestNFTApplier_DialRetriesTransient(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").Return(nil)
	calls := 0
	a := NewApplierWithDialer(func() (NFTablesConn, error) {
		calls++
		if calls == 1 {
			return nil, unix.EAGAIN
		}
		return conn, nil
	}, time.Second)

	_, err := a.Apply(context.Background(), testDelta())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestNFTApplier_EmptyDeltaSkipsKernel(t *testing.T) {
	a := NewApplierWithDialer(func() (NFTablesConn, error) {
		return nil, errors.New("must not dial")
	}, time.Second)

	_, err := a.Apply(context.Background(), ruleset.Delta{Table: testTable})
	assert.NoError(t, err)
}

func TestNFTApplier_Timeout(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("Flush").After(500 * time.Millisecond).Return(nil)
	a := NewApplierWithDialer(func() (NFTablesConn, error) { return conn, nil }, 20*time.Millisecond)

	start := time.Now()
	_, err := a.Apply(context.Background(), testDelta())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{unix.ENOMEM, Exhausted},
		{fmt.Errorf("receive: %w", unix.ENOBUFS), Exhausted},
		{unix.EPERM, Unreachable},
		{context.DeadlineExceeded, Unreachable},
		{unix.EINVAL, Rejected},
		{unix.EEXIST, Rejected},
		{errors.New("opaque"), Rejected},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, classify(tc.err), "%v", tc.err)
	}
}
