package engine

import (
	"context"
	"database/sql"
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/harborshield/internal/clock"
	"grimm.is/harborshield/internal/events"
	"grimm.is/harborshield/internal/firewall"
	"grimm.is/harborshield/internal/policy"
	"grimm.is/harborshield/internal/ruleset"
	"grimm.is/harborshield/internal/state"
)

const (
	table      = "harborshield"
	allowBOn80 = "- proto: tcp\n  ports: [80]\n  peer: {container: b}\n  action: allow\n"
	denyAll    = "- peer: {any: true}\n  action: deny\n"
)

type source struct {
	mu sync.Mutex
	cs []policy.Container
}

func (s *source) Snapshot() policy.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return policy.NewSnapshot(s.cs)
}

func (s *source) set(cs ...policy.Container) {
	s.mu.Lock()
	s.cs = cs
	s.mu.Unlock()
}

func ctr(id, name, rules, ip string) policy.Container {
	var labels map[string]string
	if rules != "" {
		labels = map[string]string{"harborshield.rules": rules}
	}
	return policy.NewContainer(id, name, labels, []netip.Addr{netip.MustParseAddr(ip)}, "harborshield")
}

func expected(t *testing.T, cs ...policy.Container) ruleset.RuleSet {
	t.Helper()
	res, err := policy.ResolveAll(context.Background(), policy.NewSnapshot(cs), 1)
	require.NoError(t, err)
	return ruleset.Compile(res.Policies, ruleset.Options{Table: table})
}

func testConfig() Config {
	return Config{
		Table:        table,
		HealthPort:   8080,
		Workers:      2,
		Debounce:     time.Millisecond,
		MaxDebounce:  5 * time.Millisecond,
		ApplyTimeout: time.Second,
		Retry: firewall.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
	}
}

type harness struct {
	e       *Engine
	src     *source
	applier *firewall.FakeApplier
	store   *state.MemoryStore
	hub     *events.Hub
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, cfg Config, stored *state.AppliedState, kernel ruleset.RuleSet, cs ...policy.Container) *harness {
	t.Helper()
	h := &harness{
		src:     &source{},
		applier: firewall.NewFakeApplier(kernel),
		store:   state.NewMemoryStore(stored),
		hub:     events.NewHub(),
		done:    make(chan error, 1),
	}
	h.src.set(cs...)
	h.e = New(h.src, h.applier, h.store, h.hub, cfg)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func (h *harness) waitSaves(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.store.Saves() >= n }, 2*time.Second, time.Millisecond)
}

func (h *harness) loaded(t *testing.T) *state.AppliedState {
	t.Helper()
	st, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestEngine_FirstPassBootstraps(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	b := ctr("bbbb", "b", "", "172.17.0.3")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a, b)
	h.start(t)
	h.waitSaves(t, 1)

	want := expected(t, a, b)
	applied := h.applier.Applied()
	require.Len(t, applied, 1)
	assert.True(t, applied[0].Reset())
	assert.Equal(t, want.Fingerprint(), h.applier.State().Fingerprint())

	st := h.loaded(t)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, want.Fingerprint(), st.RuleSet.Fingerprint())
	require.Len(t, st.Containers, 2)
	assert.True(t, st.Containers[0].Managed)
	assert.False(t, st.Containers[1].Managed)

	require.Eventually(t, func() bool { return h.e.Status().State == StateIdle }, time.Second, time.Millisecond)
	s := h.e.Status()
	assert.Equal(t, OutcomeApplied, s.LastOutcome)
	assert.Equal(t, uint64(1), s.Generation)
	assert.Equal(t, 1, s.Managed)
	assert.NotEmpty(t, s.LastPassID)
	assert.False(t, s.FailClosed)
}

func TestEngine_ExampleScenario(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	b := ctr("bbbb", "b", "", "172.17.0.3")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a, b)
	h.start(t)
	h.waitSaves(t, 1)

	// B restarts with a new address: only its peer set changes.
	b2 := ctr("bbbb", "b", "", "172.17.0.9")
	h.src.set(a, b2)
	h.e.Trigger()
	h.waitSaves(t, 2)

	applied := h.applier.Applied()
	require.Len(t, applied, 2)
	for _, op := range applied[1].Ops {
		assert.Equal(t, ruleset.OpUpdateSet, op.Kind)
	}
	assert.Equal(t, expected(t, a, b2).Fingerprint(), h.applier.State().Fingerprint())
	assert.Equal(t, uint64(2), h.loaded(t).Generation)
}

func TestEngine_ConvergesOnHubEvents(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a)
	h.start(t)
	h.waitSaves(t, 1)

	c := ctr("cccc", "c", denyAll, "172.17.0.4")
	h.src.set(a, c)
	h.hub.EmitContainer(events.EventContainerAdded, "cccc", "c", false)
	h.waitSaves(t, 2)

	h.src.set(c)
	h.hub.EmitContainer(events.EventContainerRemoved, "aaaa", "a", false)
	h.waitSaves(t, 3)

	assert.Equal(t, expected(t, c).Fingerprint(), h.applier.State().Fingerprint())
	_, ok := h.applier.State().Chain(ruleset.InChainName("aaaa"))
	assert.False(t, ok, "removed container's chain must be gone")
}

func TestEngine_CrashRecovery(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	b := ctr("bbbb", "b", "", "172.17.0.3")
	stale := expected(t, ctr("dddd", "d", denyAll, "172.17.0.8"))

	// The record and the kernel disagree with each other and with reality.
	stored := &state.AppliedState{Generation: 7, RuleSet: stale}
	kernel := ruleset.Fallback(ruleset.FallbackOptions{Table: table})

	h := newHarness(t, testConfig(), stored, kernel, a, b)
	h.start(t)
	h.waitSaves(t, 1)

	applied := h.applier.Applied()
	require.NotEmpty(t, applied)
	assert.True(t, applied[0].Reset())
	assert.Equal(t, expected(t, a, b).Fingerprint(), h.applier.State().Fingerprint())
	assert.Equal(t, uint64(8), h.loaded(t).Generation)
}

func TestEngine_MalformedPolicyFailsClosed(t *testing.T) {
	bad := ctr("aaaa", "a", "- proto: icmp\n  ports: [80]\n", "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, bad)
	h.start(t)
	h.waitSaves(t, 1)

	st := h.loaded(t)
	require.Len(t, st.Containers, 1)
	assert.True(t, st.Containers[0].FailClosed)
	assert.NotEmpty(t, st.Containers[0].Reason)

	in, ok := h.applier.State().Chain(ruleset.InChainName("aaaa"))
	require.True(t, ok)
	for _, e := range in.Entries {
		assert.NotEqual(t, ruleset.VerdictAccept, e.Verdict)
	}
	// A rejected policy is a per-container matter, not a global failure.
	assert.False(t, h.e.Status().FailClosed)
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a)
	failed := h.hub.Subscribe(16, events.EventReconcileFailed)
	h.applier.FailKind(firewall.Rejected, 2)

	h.start(t)
	h.waitSaves(t, 1)

	assert.Len(t, failed, 2)
	e := <-failed
	assert.Equal(t, 1, e.Data.(events.ReconcileData).Attempt)
	e = <-failed
	assert.Equal(t, 2, e.Data.(events.ReconcileData).Attempt)

	s := h.e.Status()
	assert.Equal(t, OutcomeApplied, s.LastOutcome)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.False(t, s.FailClosed)
	assert.False(t, s.CeilingReached)
	assert.Equal(t, expected(t, a).Fingerprint(), h.applier.State().Fingerprint())
}

func TestEngine_RetryCeilingFallsBack(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a)
	fallbacks := h.hub.Subscribe(4, events.EventFallbackApplied)
	h.applier.FailKind(firewall.Unreachable, 3)

	h.start(t)

	select {
	case ev := <-fallbacks:
		assert.Contains(t, ev.Data.(events.ReconcileData).Error, "unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("fallback was not applied")
	}

	// The fallback was recorded, then a later pass restored the real ruleset.
	h.waitSaves(t, 2)
	require.Eventually(t, func() bool { return !h.e.Status().FailClosed }, 2*time.Second, time.Millisecond)

	hist, err := h.store.History(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.False(t, hist[0].Fallback)
	assert.True(t, hist[1].Fallback)
	assert.Equal(t, expected(t, a).Fingerprint(), h.applier.State().Fingerprint())
}

func TestEngine_FailClosedStatus(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	cfg := testConfig()
	cfg.Retry.MaxDelay = time.Hour
	h := newHarness(t, cfg, nil, ruleset.RuleSet{}, a)
	h.applier.FailKind(firewall.Rejected, 3)

	h.start(t)
	require.Eventually(t, func() bool { return h.e.Status().State == StateFailClosed }, 2*time.Second, time.Millisecond)

	s := h.e.Status()
	assert.True(t, s.FailClosed)
	assert.Equal(t, 3, s.ConsecutiveFailures)
	assert.Equal(t, OutcomeApplyFailed, s.LastOutcome)
	assert.True(t, h.applier.State().IsFallback())
	assert.True(t, h.loaded(t).Fallback)
}

func TestEngine_CeilingReachedWhenFallbackFails(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.MaxDelay = time.Hour
	h := newHarness(t, cfg, nil, ruleset.RuleSet{}, a)
	// Two passes fail, then the fallback fails too.
	h.applier.FailKind(firewall.Unreachable, 3)

	h.start(t)
	require.Eventually(t, func() bool {
		s := h.e.Status()
		return s.State == StateFailClosed && s.CeilingReached
	}, 2*time.Second, time.Millisecond)

	s := h.e.Status()
	assert.False(t, s.FailClosed, "fallback never reached the kernel")
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Empty(t, h.applier.Applied())
	assert.Zero(t, h.store.Saves())
}

func TestEngine_StoreFailureNotCounted(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a)
	boom := errors.New("disk full")
	h.store.Fail(boom, boom, boom, boom, boom)

	h.start(t)
	h.waitSaves(t, 1)

	st := h.loaded(t)
	assert.Equal(t, uint64(1), st.Generation)
	assert.False(t, st.Fallback)

	s := h.e.Status()
	assert.False(t, s.FailClosed)
	assert.Zero(t, s.ConsecutiveFailures)

	// Every retry after an unpersisted apply rebuilds from scratch.
	for _, d := range h.applier.Applied() {
		assert.True(t, d.Reset())
		assert.False(t, ruleset.ApplyDelta(ruleset.RuleSet{}, d).IsFallback())
	}
}

func TestEngine_ExhaustedIsFatal(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a)
	h.applier.FailKind(firewall.Exhausted, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := h.e.Run(ctx)
	require.ErrorIs(t, err, ErrFatal)
	assert.True(t, h.applier.State().IsFallback())
	assert.True(t, h.e.Status().FailClosed)
}

func TestEngine_ShutdownFinishesInflightApply(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.applier.OnApply(func(ruleset.Delta) {
		once.Do(func() { close(started) })
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx) }()

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, 1, h.store.Saves())
	assert.Len(t, h.applier.Applied(), 1)
}

func TestEngine_CoalescesTriggers(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	h := newHarness(t, testConfig(), nil, ruleset.RuleSet{}, a)
	passes := h.hub.Subscribe(64, events.EventReconcileApplied)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.applier.OnApply(func(ruleset.Delta) {
		once.Do(func() { close(started) })
		<-release
	})

	h.start(t)
	<-started
	for i := 0; i < 10; i++ {
		h.e.Trigger()
	}
	close(release)

	require.Eventually(t, func() bool { return len(passes) == 2 }, 2*time.Second, time.Millisecond)
	assert.Never(t, func() bool { return len(passes) > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	first, second := <-passes, <-passes
	assert.Equal(t, string(OutcomeApplied), first.Data.(events.ReconcileData).Outcome)
	assert.Equal(t, string(OutcomeUnchanged), second.Data.(events.ReconcileData).Outcome)
}

func TestEngine_ReadyGate(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	var ready atomic.Bool
	cfg := testConfig()
	cfg.Ready = ready.Load
	h := newHarness(t, cfg, nil, ruleset.RuleSet{}, a)
	h.start(t)

	assert.Never(t, func() bool { return h.store.Saves() > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	ready.Store(true)
	h.hub.EmitObserverState("synced", nil)
	h.waitSaves(t, 1)
}

func TestEngine_LoadFailureKeepsEnforcing(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	store := state.NewMemoryStore(nil)
	require.NoError(t, store.Close())
	applier := firewall.NewFakeApplier(ruleset.RuleSet{})
	e := New(&source{cs: []policy.Container{a}}, applier, store, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// The ruleset still reaches the kernel; only persistence keeps failing.
	require.Eventually(t, func() bool { return e.Status().LastOutcome == OutcomeStoreFailed }, 2*time.Second, time.Millisecond)
	require.NotEmpty(t, applier.Applied())
	assert.True(t, applier.Applied()[0].Reset())
	assert.Equal(t, expected(t, a).Fingerprint(), applier.State().Fingerprint())
	assert.Empty(t, done, "a store error must not stop the engine")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_LoadRetriedBeforeSave(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	stored := &state.AppliedState{Generation: 7, RuleSet: expected(t, a)}
	h := newHarness(t, testConfig(), stored, ruleset.RuleSet{}, a)
	h.store.FailLoad(errors.New("database is locked"))

	h.start(t)
	h.waitSaves(t, 1)
	assert.Equal(t, uint64(8), h.loaded(t).Generation)
}

func TestEngine_CorruptRecordRebuilds(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	b := ctr("bbbb", "b", "", "172.17.0.3")
	h := newHarness(t, testConfig(), &state.AppliedState{Generation: 7}, ruleset.RuleSet{}, a, b)
	h.store.FailLoad(state.ErrCorrupt)

	h.start(t)
	h.waitSaves(t, 1)

	require.NotEmpty(t, h.applier.Applied())
	assert.True(t, h.applier.Applied()[0].Reset())
	assert.Equal(t, uint64(8), h.loaded(t).Generation)
	assert.Equal(t, expected(t, a, b).Fingerprint(), h.applier.State().Fingerprint())
}

func TestEngine_CorruptSQLiteRecord(t *testing.T) {
	a := ctr("aaaa", "a", allowBOn80, "172.17.0.2")
	path := filepath.Join(t.TempDir(), state.DBFile)
	store, err := state.Open(state.Options{Path: path, HistoryLimit: 5})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(context.Background(), state.AppliedState{Generation: 7, RuleSet: expected(t, a)}))

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec("UPDATE applied_state SET ruleset = x'7b7b' WHERE id = 1")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	applier := firewall.NewFakeApplier(ruleset.RuleSet{})
	e := New(&source{cs: []policy.Container{a}}, applier, store, nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		st, err := store.Load(context.Background())
		return err == nil && st != nil && st.Generation == 8
	}, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, applier.Applied())
	assert.True(t, applier.Applied()[0].Reset())
	assert.Equal(t, expected(t, a).Fingerprint(), applier.State().Fingerprint())
}

func TestDebounce_ExtendedButBounded(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.Debounce = 100 * time.Millisecond
	cfg.MaxDebounce = 250 * time.Millisecond
	cfg.Clock = mc
	e := New(&source{}, firewall.NewFakeApplier(ruleset.RuleSet{}), state.NewMemoryStore(nil), nil, cfg)

	done := make(chan bool, 1)
	go func() { done <- e.debounce(context.Background()) }()

	pending := func(n int) {
		require.Eventually(t, func() bool { return mc.Pending() == n }, time.Second, time.Millisecond)
	}

	pending(1)
	mc.Advance(90 * time.Millisecond)
	e.Trigger()
	pending(2)

	mc.Advance(90 * time.Millisecond)
	assert.Empty(t, done)
	e.Trigger()
	pending(2)

	// The second extension is cut short by MaxDebounce.
	mc.Advance(70 * time.Millisecond)
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("debounce did not end at MaxDebounce")
	}
}

func TestDebounce_Cancelled(t *testing.T) {
	e := New(&source{}, firewall.NewFakeApplier(ruleset.RuleSet{}), state.NewMemoryStore(nil), nil, Config{Debounce: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, e.debounce(ctx))
}
