// Package scheduler runs periodic background jobs for the daemon: the
// reconciliation safety-net tick and the observer drift check.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/harborshield/internal/clock"
	"grimm.is/harborshield/internal/logging"
)

// ErrTaskNotFound is returned for operations on an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// TaskFunc performs one run of a scheduled task. The context is cancelled
// when the scheduler stops or the task's timeout elapses.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID          string
	Name        string
	Description string
	Schedule    Schedule
	Func        TaskFunc
	Enabled     bool
	RunOnStart  bool // run once as soon as the scheduler starts
	Timeout     time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Config tunes the scheduler loop.
type Config struct {
	// Tick is how often due tasks are checked. Defaults to one second.
	Tick   time.Duration
	Clock  clock.Clock
	Logger *logging.Logger
}

// Scheduler manages and runs scheduled tasks. A task never overlaps with
// itself: a run that is still in flight when the task comes due again is
// skipped, and the next run is computed from the dispatch time.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*taskEntry
	tick   time.Duration
	clock  clock.Clock
	logger *logging.Logger

	ctx context.Context // set by Run; nil while stopped
	wg  sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
	cancel  context.CancelFunc
}

// New creates a scheduler. Tasks may be added before or after Run.
func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		tick:   cfg.Tick,
		clock:  clock.OrReal(cfg.Clock),
		logger: cfg.Logger.WithComponent("scheduler"),
	}
}

// AddTask registers a task.
func (s *Scheduler) AddTask(task *Task) error {
	switch {
	case task.ID == "":
		return fmt.Errorf("task ID is required")
	case task.Schedule == nil:
		return fmt.Errorf("task %s: schedule is required", task.ID)
	case task.Func == nil:
		return fmt.Errorf("task %s: function is required", task.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Enabled:     task.Enabled,
		},
	}
	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}

	s.tasks[task.ID] = entry
	s.logger.Debug("task added", "id", task.ID, "name", task.Name)
	return nil
}

// RemoveTask removes a task, cancelling an in-flight run.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	delete(s.tasks, id)
	s.logger.Debug("task removed", "id", id)
	return nil
}

// EnableTask enables or disables a task.
func (s *Scheduler) EnableTask(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	entry.task.Enabled = enabled
	entry.status.Enabled = enabled
	if enabled {
		entry.nextRun = entry.task.Schedule.Next(s.clock.Now())
	} else {
		entry.nextRun = time.Time{}
	}
	entry.status.NextRun = entry.nextRun
	return nil
}

// RunTask runs a task immediately, regardless of its schedule or enabled
// flag. It fails when the scheduler is not running or the task is already
// in flight.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if s.ctx == nil {
		return fmt.Errorf("scheduler is not running")
	}
	if entry.status.Running {
		return fmt.Errorf("task %s is already running", id)
	}
	s.dispatchLocked(entry)
	return nil
}

// GetStatus returns the status of all tasks sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// GetTaskStatus returns the status of a single task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// IsRunning reports whether Run is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil
}

// Run dispatches due tasks until ctx is cancelled, then waits for in-flight
// runs to return. Run may only be active once at a time.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.ctx = ctx
	for _, entry := range s.tasks {
		if entry.task.Enabled && entry.task.RunOnStart {
			s.dispatchLocked(entry)
		}
	}
	s.mu.Unlock()

	s.logger.Info("scheduler started", "tasks", len(s.GetStatus()))

	defer func() {
		s.mu.Lock()
		s.ctx = nil
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.tick):
			s.dispatchDue()
		}
	}
}

func (s *Scheduler) dispatchDue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return
	}
	now := s.clock.Now()
	for _, entry := range s.tasks {
		if !entry.task.Enabled || entry.nextRun.IsZero() || now.Before(entry.nextRun) {
			continue
		}
		entry.nextRun = entry.task.Schedule.Next(now)
		entry.status.NextRun = entry.nextRun
		if entry.status.Running {
			s.logger.Debug("task still running, skipping", "id", entry.task.ID)
			continue
		}
		s.dispatchLocked(entry)
	}
}

// dispatchLocked starts one run of entry. s.mu must be held.
func (s *Scheduler) dispatchLocked(entry *taskEntry) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if entry.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, entry.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	entry.cancel = cancel
	entry.status.Running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(ctx, entry)
	}()
}

func (s *Scheduler) execute(ctx context.Context, entry *taskEntry) {
	start := s.clock.Now()
	err := entry.task.Func(ctx)
	duration := s.clock.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.cancel = nil
	entry.status.Running = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.ErrorCount++
		entry.status.LastError = err.Error()
		s.logger.Warn("task failed", "id", entry.task.ID, "duration", duration, "error", err)
		return
	}
	entry.status.LastError = ""
	s.logger.Debug("task completed", "id", entry.task.ID, "duration", duration)
}
