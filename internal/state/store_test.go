package state

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"grimm.is/harborshield/internal/clock"
	"grimm.is/harborshield/internal/ruleset"
)

func testRuleSet() ruleset.RuleSet {
	return ruleset.RuleSet{
		Table: "harborshield",
		Chains: []ruleset.Chain{
			{Name: "forward", Hook: ruleset.HookForward, Policy: ruleset.VerdictAccept, Entries: []ruleset.Entry{
				{CtState: ruleset.CtEstablished, Verdict: ruleset.VerdictAccept},
			}},
		},
		Sets: []ruleset.AddressSet{
			{Name: "self_abc", Elements: []netip.Addr{netip.MustParseAddr("172.17.0.2")}},
		},
	}
}

func openTemp(t *testing.T) *SQLiteStore {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.HistoryLimit = 3
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestLoad_Empty tests a fresh store
func TestLoad_Empty(t *testing.T) {
	s := openTemp(t)

	st, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st != nil {
		t.Errorf("expected no state, got %+v", st)
	}
}

// TestSaveLoad tests a full round trip
func TestSaveLoad(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := AppliedState{
		Generation:       1,
		RuleSet:          testRuleSet(),
		KernelGeneration: 7,
		AppliedAt:        at,
		Summary:          "reset-table=1",
		Containers: []ContainerRecord{
			{ID: "abc", Name: "web", Managed: true, Addresses: []netip.Addr{netip.MustParseAddr("172.17.0.2")}},
			{ID: "def", Name: "bad", Managed: true, FailClosed: true, Reason: "rules: bad yaml"},
		},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Generation != 1 || out.KernelGeneration != 7 {
		t.Errorf("unexpected generations: %+v", out)
	}
	if !out.AppliedAt.Equal(at) {
		t.Errorf("expected applied_at %v, got %v", at, out.AppliedAt)
	}
	if out.RuleSet.Fingerprint() != in.RuleSet.Fingerprint() {
		t.Errorf("ruleset changed across save/load")
	}
	if len(out.Containers) != 2 || !out.Containers[1].FailClosed || out.Containers[1].Reason != "rules: bad yaml" {
		t.Errorf("unexpected containers: %+v", out.Containers)
	}
	if out.Summary != "reset-table=1" {
		t.Errorf("expected summary, got %q", out.Summary)
	}
}

// TestSave_Replaces tests that only the newest record is kept
func TestSave_Replaces(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Save(ctx, AppliedState{Generation: 1, RuleSet: testRuleSet()}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	fallback := ruleset.Fallback(ruleset.FallbackOptions{Table: "harborshield"})
	if err := s.Save(ctx, AppliedState{Generation: 2, RuleSet: fallback, Fallback: true}); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	out, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Generation != 2 || !out.Fallback || !out.RuleSet.IsFallback() {
		t.Errorf("expected generation 2 fallback, got %+v", out)
	}
	if out.Containers == nil || len(out.Containers) != 0 {
		t.Errorf("expected empty container list, got %v", out.Containers)
	}
}

// TestSave_StaleGeneration tests generation monotonicity
func TestSave_StaleGeneration(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Save(ctx, AppliedState{Generation: 5, RuleSet: testRuleSet()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := s.Save(ctx, AppliedState{Generation: 5, RuleSet: testRuleSet()})
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("expected ErrStaleGeneration, got %v", err)
	}
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "save" {
		t.Errorf("expected StoreError for save, got %T", err)
	}

	out, _ := s.Load(ctx)
	if out.Generation != 5 {
		t.Errorf("stale save must not change state, got %d", out.Generation)
	}
}

// TestReopen tests durability across store instances
func TestReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(DefaultOptions(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s1.Save(ctx, AppliedState{Generation: 3, RuleSet: testRuleSet()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s1.Close()

	s2, err := Open(DefaultOptions(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	out, err := s2.Load(ctx)
	if err != nil || out == nil {
		t.Fatalf("load after reopen: %v %v", out, err)
	}
	if out.Generation != 3 {
		t.Errorf("expected generation 3, got %d", out.Generation)
	}
}

// TestHistory tests history trimming
func TestHistory(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	opts := DefaultOptions(t.TempDir())
	opts.HistoryLimit = 3
	opts.Clock = mc
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for gen := uint64(1); gen <= 5; gen++ {
		mc.Advance(time.Minute)
		if err := s.Save(ctx, AppliedState{Generation: gen, RuleSet: testRuleSet(), Summary: "add-rule=1"}); err != nil {
			t.Fatalf("save %d: %v", gen, err)
		}
	}

	hist, err := s.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("expected 3 history rows, got %d", len(hist))
	}
	if hist[0].Generation != 5 || hist[2].Generation != 3 {
		t.Errorf("expected generations 5..3, got %d..%d", hist[0].Generation, hist[2].Generation)
	}
	if !hist[0].AppliedAt.Equal(mc.Now()) {
		t.Errorf("expected clock time %v, got %v", mc.Now(), hist[0].AppliedAt)
	}
	if hist[0].Fingerprint != testRuleSet().Fingerprint() {
		t.Errorf("unexpected fingerprint %s", hist[0].Fingerprint)
	}

	one, _ := s.History(ctx, 1)
	if len(one) != 1 {
		t.Errorf("expected 1 row, got %d", len(one))
	}
}

// TestClosed tests operations after Close
func TestClosed(t *testing.T) {
	s := openTemp(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if _, err := s.Load(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := s.Save(context.Background(), AppliedState{Generation: 1}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

// TestCorrupt tests decoding failures
func TestCorrupt(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Save(ctx, AppliedState{Generation: 1, RuleSet: testRuleSet()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec("UPDATE applied_state SET ruleset = ? WHERE id = 1", []byte("{not json")); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	_, err := s.Load(ctx)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

// TestCorrupt_GenerationContinues tests that a bad record does not block later saves
func TestCorrupt_GenerationContinues(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Save(ctx, AppliedState{Generation: 7, RuleSet: testRuleSet()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec("UPDATE applied_state SET ruleset = x'7b7b' WHERE id = 1"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	st, err := s.Load(ctx)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if st == nil || st.Generation != 7 {
		t.Fatalf("expected generation 7 alongside the error, got %+v", st)
	}

	if err := s.Save(ctx, AppliedState{Generation: st.Generation + 1, RuleSet: testRuleSet()}); err != nil {
		t.Fatalf("save over corrupt record: %v", err)
	}
	st, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load after repair: %v", err)
	}
	if st.Generation != 8 || st.RuleSet.Fingerprint() != testRuleSet().Fingerprint() {
		t.Errorf("unexpected state after repair: %+v", st)
	}
}

// TestMemoryStore tests the in-memory store used by engine tests
func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore(nil)
	ctx := context.Background()

	if st, _ := m.Load(ctx); st != nil {
		t.Fatalf("expected nil state")
	}

	boom := errors.New("disk full")
	m.Fail(boom)
	if err := m.Save(ctx, AppliedState{Generation: 1}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := m.Save(ctx, AppliedState{Generation: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Save(ctx, AppliedState{Generation: 1}); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("expected stale generation, got %v", err)
	}
	if m.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", m.Saves())
	}
	hist, _ := m.History(ctx, 5)
	if len(hist) != 1 || hist[0].Generation != 1 {
		t.Errorf("unexpected history %+v", hist)
	}
	m.FailLoad(ErrCorrupt, boom)
	if st, err := m.Load(ctx); !errors.Is(err, ErrCorrupt) || st == nil || st.Generation != 1 {
		t.Errorf("expected corrupt load with generation 1, got %+v, %v", st, err)
	}
	if st, err := m.Load(ctx); !errors.Is(err, boom) || st != nil {
		t.Errorf("expected injected load failure, got %+v, %v", st, err)
	}
	if st, err := m.Load(ctx); err != nil || st.Generation != 1 {
		t.Errorf("expected recovered load, got %+v, %v", st, err)
	}
}
