package logging

import (
	"log/slog"
	"sync"
	"time"
)

// AppLogEntry is one record kept for /debug/logs.
type AppLogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Source    string            `json:"source"` // component, e.g. "engine"
	Message   string            `json:"message"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// RingBuffer keeps the most recent log entries in memory.
type RingBuffer struct {
	mu   sync.RWMutex
	buf  []AppLogEntry
	next int
	full bool
}

// NewRingBuffer returns a buffer holding at most size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buf: make([]AppLogEntry, size)}
}

// Add stores entry, evicting the oldest one when full.
func (rb *RingBuffer) Add(entry AppLogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.next] = entry
	rb.next++
	if rb.next == len(rb.buf) {
		rb.next = 0
		rb.full = true
	}
}

// Tail returns up to n of the newest entries, oldest first.
func (rb *RingBuffer) Tail(n int) []AppLogEntry {
	return rb.collect(n, func(AppLogEntry) bool { return true })
}

// BySource returns up to n of the newest entries logged by source, oldest
// first.
func (rb *RingBuffer) BySource(source string, n int) []AppLogEntry {
	return rb.collect(n, func(e AppLogEntry) bool { return e.Source == source })
}

// collect walks backwards from the newest entry.
func (rb *RingBuffer) collect(n int, match func(AppLogEntry) bool) []AppLogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	size := rb.next
	if rb.full {
		size = len(rb.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]AppLogEntry, 0, n)
	for i := 1; i <= size && len(out) < n; i++ {
		e := rb.buf[(rb.next-i+len(rb.buf))%len(rb.buf)]
		if match(e) {
			out = append(out, e)
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

var (
	appLogs     *RingBuffer
	appLogsOnce sync.Once
)

// AppLogs returns the process-wide buffer fed by the console handler.
func AppLogs() *RingBuffer {
	appLogsOnce.Do(func() { appLogs = NewRingBuffer(5000) })
	return appLogs
}

// levelName maps an slog level to the name stored in AppLogEntry.
func levelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
