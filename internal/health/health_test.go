package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/harborshield/internal/clock"
	"grimm.is/harborshield/internal/engine"
	"grimm.is/harborshield/internal/firewall"
	"grimm.is/harborshield/internal/logging"
	"grimm.is/harborshield/internal/observer"
	"grimm.is/harborshield/internal/policy"
	"grimm.is/harborshield/internal/ruleset"
	"grimm.is/harborshield/internal/state"
)

func static(st Status, msg string) CheckFunc {
	return func(ctx context.Context) Check { return Check{Status: st, Message: msg} }
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestChecker_Aggregates(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Status
		want   Status
		code   int
	}{
		{"none", nil, StatusHealthy, http.StatusOK},
		{"healthy", map[string]Status{"a": StatusHealthy, "b": StatusHealthy}, StatusHealthy, http.StatusOK},
		{"degraded", map[string]Status{"a": StatusHealthy, "b": StatusDegraded}, StatusDegraded, http.StatusOK},
		{"unhealthy wins", map[string]Status{"a": StatusDegraded, "b": StatusUnhealthy}, StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(0, nil)
			for name, st := range tt.checks {
				c.Register(name, static(st, name))
			}

			rec := get(t, c.Handler(), "/health")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var report Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.checks))
			for name := range tt.checks {
				assert.Equal(t, name, report.Checks[name].Name)
			}
		})
	}
}

func TestChecker_CachesForTTL(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewChecker(time.Second, mc)
	calls := 0
	c.Register("count", func(ctx context.Context) Check {
		calls++
		return Check{Status: StatusHealthy}
	})

	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, 1, calls)

	mc.Advance(2 * time.Second)
	c.Check(context.Background())
	assert.Equal(t, 2, calls)
}

func TestChecker_Summary(t *testing.T) {
	success := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewChecker(0, nil)
	c.SetSummary(func() Summary {
		return Summary{EngineState: "idle", Generation: 9, LastSuccess: success}
	})

	rec := get(t, c.Handler(), "/health")
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["engine_state"])
	assert.Equal(t, 9.0, body["generation"])
	assert.Equal(t, "2026-01-01T00:00:00Z", body["last_success"])
	assert.Equal(t, "healthy", body["status"])
}

func TestReconcileCheck(t *testing.T) {
	tests := []struct {
		name   string
		status engine.Status
		want   Status
	}{
		{"no pass yet", engine.Status{}, StatusHealthy},
		{"applied", engine.Status{LastOutcome: engine.OutcomeApplied, Generation: 3}, StatusHealthy},
		{"unchanged", engine.Status{LastOutcome: engine.OutcomeUnchanged}, StatusHealthy},
		{"retrying", engine.Status{LastOutcome: engine.OutcomeApplyFailed, ConsecutiveFailures: 1, LastError: "boom"}, StatusDegraded},
		{"store failed", engine.Status{LastOutcome: engine.OutcomeStoreFailed}, StatusDegraded},
		{"fail-closed", engine.Status{LastOutcome: engine.OutcomeApplyFailed, FailClosed: true, ConsecutiveFailures: 5}, StatusUnhealthy},
		{"ceiling without fallback", engine.Status{State: engine.StateFailClosed, LastOutcome: engine.OutcomeApplyFailed, CeilingReached: true, ConsecutiveFailures: 2}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ReconcileCheck(func() engine.Status { return tt.status })(context.Background())
			assert.Equal(t, tt.want, check.Status)
			assert.NotEmpty(t, check.Message)
		})
	}
}

type noContainers struct{}

func (noContainers) Snapshot() policy.Snapshot { return policy.NewSnapshot(nil) }

// The kernel rejects the fallback as well; the endpoint must still report 503.
func TestReconcileCheck_CeilingWithFailedFallback(t *testing.T) {
	applier := firewall.NewFakeApplier(ruleset.RuleSet{})
	applier.FailKind(firewall.Unreachable, 3)
	eng := engine.New(noContainers{}, applier, state.NewMemoryStore(nil), nil, engine.Config{
		Table:       "harborshield",
		Debounce:    time.Millisecond,
		MaxDebounce: time.Millisecond,
		Retry: firewall.RetryConfig{
			MaxAttempts:   2,
			InitialDelay:  time.Millisecond,
			MaxDelay:      time.Hour,
			BackoffFactor: 2,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		s := eng.Status()
		return s.State == engine.StateFailClosed && s.CeilingReached
	}, 2*time.Second, time.Millisecond)
	assert.False(t, eng.Status().FailClosed)

	c := NewChecker(0, nil)
	c.Register("reconcile", ReconcileCheck(eng.Status))
	rec := get(t, c.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "retry ceiling reached")
}

func TestRestartLoopCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, RestartLoopCheck(false, 1)(context.Background()).Status)
	c := RestartLoopCheck(true, 4)(context.Background())
	assert.Equal(t, StatusDegraded, c.Status)
	assert.Contains(t, c.Message, "4")
}

func TestDataDirCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, DataDirCheck(t.TempDir())(context.Background()).Status)
	assert.Equal(t, StatusDegraded, DataDirCheck("/nonexistent/harborshield")(context.Background()).Status)
}

func TestServer_Routes(t *testing.T) {
	c := NewChecker(0, nil)
	c.Register("reconcile", static(StatusUnhealthy, "fail-closed"))

	logs := logging.NewRingBuffer(10)
	logs.Add(logging.AppLogEntry{Source: "engine", Message: "applied"})
	logs.Add(logging.AppLogEntry{Source: "observer", Message: "synced"})

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("harborshield_applied_generation 1\n"))
	})
	h := NewServer("127.0.0.1:0", c, metrics, logs).Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health").Code)

	live := get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, live.Code)
	assert.Equal(t, "OK", live.Body.String())

	assert.Contains(t, get(t, h, "/metrics").Body.String(), "harborshield_applied_generation")

	var entries []logging.AppLogEntry
	require.NoError(t, json.Unmarshal(get(t, h, "/debug/logs?source=observer").Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "synced", entries[0].Message)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/debug/logs?limit=x").Code)
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewChecker(0, nil), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestObserverCheck(t *testing.T) {
	o := observer.New(observer.NewFakeRuntime(), nil, observer.Config{LabelPrefix: "harborshield"})
	c := ObserverCheck(o)(context.Background())
	assert.Equal(t, StatusHealthy, c.Status)
	assert.Equal(t, "starting, 0 containers", c.Message)
}
