package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"grimm.is/harborshield/internal/clock"
)

const (
	// CrashThreshold is the number of rapid consecutive starts reported as a restart loop.
	CrashThreshold = 3
	// CrashWindow is how soon after the previous start a new start counts as a crash.
	CrashWindow = 5 * time.Minute
	// StabilityDuration is the uptime after which the counter is reset.
	StabilityDuration = 5 * time.Minute
	// StateFileName lives in the data directory next to state.db.
	StateFileName = "crash.state"
)

// CrashState is persisted across restarts.
type CrashState struct {
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	LastStartTime      time.Time `json:"last_start_time"`
}

// CrashTracker detects restart loops, for example a daemon killed by its
// supervisor on every startup pass.
type CrashTracker struct {
	stateDir string
	clock    clock.Clock
	state    CrashState
}

// NewCrashTracker creates a tracker persisting to stateDir.
func NewCrashTracker(stateDir string, clk clock.Clock) *CrashTracker {
	return &CrashTracker{stateDir: stateDir, clock: clock.OrReal(clk)}
}

// RecordStart counts this start and reports whether the daemon is in a
// restart loop.
func (ct *CrashTracker) RecordStart() (bool, error) {
	statePath := filepath.Join(ct.stateDir, StateFileName)
	if err := os.MkdirAll(ct.stateDir, 0o750); err != nil {
		return false, fmt.Errorf("create state dir: %w", err)
	}

	data, err := os.ReadFile(statePath)
	if err == nil {
		if err := json.Unmarshal(data, &ct.state); err != nil {
			ct.state = CrashState{}
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("read crash state: %w", err)
	}

	now := ct.clock.Now()
	if !ct.state.LastStartTime.IsZero() && now.Sub(ct.state.LastStartTime) < CrashWindow {
		ct.state.ConsecutiveCrashes++
	} else {
		ct.state.ConsecutiveCrashes = 1
	}
	ct.state.LastStartTime = now

	if err := ct.saveState(statePath); err != nil {
		return false, err
	}
	return ct.state.ConsecutiveCrashes >= CrashThreshold, nil
}

// Restarts returns the consecutive start count recorded by RecordStart.
func (ct *CrashTracker) Restarts() int {
	return ct.state.ConsecutiveCrashes
}

// ResetWhenStable clears the counter once the daemon stayed up for
// StabilityDuration. It returns early when ctx is cancelled.
func (ct *CrashTracker) ResetWhenStable(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-ct.clock.After(StabilityDuration):
		return ct.Reset()
	}
}

// Reset clears the crash count.
func (ct *CrashTracker) Reset() error {
	ct.state.ConsecutiveCrashes = 0
	return ct.saveState(filepath.Join(ct.stateDir, StateFileName))
}

func (ct *CrashTracker) saveState(path string) error {
	data, err := json.Marshal(ct.state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
