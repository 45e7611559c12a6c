package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store. Queued failures are returned by the
// next calls to Save or Load.
type MemoryStore struct {
	mu           sync.Mutex
	current      *AppliedState
	history      []HistoryEntry
	failures     []error
	loadFailures []error
	saves        int
	closed       bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store holding initial, which may be nil.
func NewMemoryStore(initial *AppliedState) *MemoryStore {
	m := &MemoryStore{}
	if initial != nil {
		cp := *initial
		m.current = &cp
	}
	return m
}

func (m *MemoryStore) Load(ctx context.Context) (*AppliedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storeErr("load", ErrStoreClosed)
	}
	if len(m.loadFailures) > 0 {
		err := m.loadFailures[0]
		m.loadFailures = m.loadFailures[1:]
		if errors.Is(err, ErrCorrupt) && m.current != nil {
			return &AppliedState{Generation: m.current.Generation, AppliedAt: m.current.AppliedAt}, storeErr("load", err)
		}
		return nil, storeErr("load", err)
	}
	if m.current == nil {
		return nil, nil
	}
	cp := *m.current
	return &cp, nil
}

func (m *MemoryStore) Save(ctx context.Context, st AppliedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storeErr("save", ErrStoreClosed)
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return storeErr("save", err)
	}
	if m.current != nil && st.Generation <= m.current.Generation {
		return storeErr("save", fmt.Errorf("%w: %d after %d", ErrStaleGeneration, st.Generation, m.current.Generation))
	}
	m.saves++
	m.current = &st
	m.history = append([]HistoryEntry{{
		ID:          int64(m.saves),
		Generation:  st.Generation,
		AppliedAt:   st.AppliedAt,
		Fingerprint: st.RuleSet.Fingerprint(),
		Summary:     st.Summary,
		Fallback:    st.Fallback,
	}}, m.history...)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	return append([]HistoryEntry(nil), m.history[:limit]...), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Fail queues errors for the next Save calls.
func (m *MemoryStore) Fail(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// FailLoad queues errors for the next Load calls. A queued ErrCorrupt
// behaves like an undecodable record.
func (m *MemoryStore) FailLoad(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadFailures = append(m.loadFailures, errs...)
}

// Saves returns the number of successful saves.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
