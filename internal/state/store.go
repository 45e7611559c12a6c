// Package state persists the last applied ruleset.
//
// The store holds exactly one AppliedState record, replaced atomically on
// every Save, plus a short history of applied generations for status
// output. It is backed by SQLite (modernc.org/sqlite, pure Go) in WAL mode
// with synchronous=FULL, so a committed Save survives a process or host
// crash and an interrupted Save leaves the previous record intact.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/harborshield/internal/clock"
	"grimm.is/harborshield/internal/ruleset"
)

// DBFile is the database file name inside the data directory.
const DBFile = "state.db"

const schemaVersion = "1"

// Common errors
var (
	ErrStoreClosed     = errors.New("store is closed")
	ErrCorrupt         = errors.New("stored state is corrupt")
	ErrStaleGeneration = errors.New("generation does not advance")
)

// StoreError wraps every failure returned by the store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "state: " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ContainerRecord is the view of one container a generation was built from.
type ContainerRecord struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Addresses  []netip.Addr `json:"addresses,omitempty"`
	Managed    bool         `json:"managed"`
	FailClosed bool         `json:"fail_closed,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// AppliedState is the last ruleset the kernel is known to enforce.
type AppliedState struct {
	Generation       uint64
	RuleSet          ruleset.RuleSet
	Containers       []ContainerRecord
	KernelGeneration uint64
	AppliedAt        time.Time
	// Fallback is set when RuleSet is the fail-closed default.
	Fallback bool
	// Summary is the delta summary of the pass that produced this state.
	Summary string
}

// HistoryEntry describes one past Save.
type HistoryEntry struct {
	ID          int64
	Generation  uint64
	AppliedAt   time.Time
	Fingerprint string
	Summary     string
	Fallback    bool
}

// Store persists AppliedState.
type Store interface {
	// Load returns the last saved state, or nil when nothing was saved yet.
	// When the record cannot be decoded the error wraps ErrCorrupt and the
	// returned state, if any, carries only Generation and AppliedAt.
	Load(ctx context.Context) (*AppliedState, error)
	// Save atomically replaces the saved state. Generations must increase.
	Save(ctx context.Context, st AppliedState) error
	// History returns up to limit entries, newest first.
	History(ctx context.Context, limit int) ([]HistoryEntry, error)
	Close() error
}

// Options configures the SQLite store.
type Options struct {
	Path         string      // Database file path (":memory:" for in-memory)
	HistoryLimit int         // Number of history rows kept
	Clock        clock.Clock // Optional: time source (defaults to RealClock if nil)
}

// DefaultOptions returns the options for a store inside dataDir.
func DefaultOptions(dataDir string) Options {
	return Options{
		Path:         filepath.Join(dataDir, DBFile),
		HistoryLimit: 20,
	}
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	mu           sync.RWMutex
	closed       bool
	clock        clock.Clock
	historyLimit int
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the store.
func Open(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.Path != ":memory:" {
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storeErr("open", fmt.Errorf("connect %s: %w", opts.Path, err))
	}

	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = 1
	}
	s := &SQLiteStore{
		db:           db,
		clock:        clock.OrReal(opts.Clock),
		historyLimit: limit,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, storeErr("init schema", err)
	}
	return s, nil
}

// initSchema creates the database tables.
func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Single applied state record
		CREATE TABLE IF NOT EXISTS applied_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			generation INTEGER NOT NULL,
			ruleset BLOB NOT NULL,
			containers BLOB NOT NULL,
			kernel_generation INTEGER NOT NULL,
			fallback INTEGER NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			applied_at INTEGER NOT NULL
		);

		-- Recent generations
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			generation INTEGER NOT NULL,
			applied_at INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			summary TEXT NOT NULL,
			fallback INTEGER NOT NULL DEFAULT 0
		);

		-- Metadata
		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var version string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec("INSERT INTO metadata (key, value) VALUES ('schema_version', ?)", schemaVersion)
		return err
	case err != nil:
		return err
	case version != schemaVersion:
		return fmt.Errorf("unsupported schema version %q", version)
	}
	return nil
}

// Load returns the saved state, or nil if none exists.
func (s *SQLiteStore) Load(ctx context.Context) (*AppliedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storeErr("load", ErrStoreClosed)
	}

	var (
		st         AppliedState
		rsData     []byte
		ctrData    []byte
		gen, kgen  int64
		fallback   bool
		appliedAtN int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT generation, ruleset, containers, kernel_generation, fallback, summary, applied_at
		FROM applied_state WHERE id = 1
	`).Scan(&gen, &rsData, &ctrData, &kgen, &fallback, &st.Summary, &appliedAtN)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load", err)
	}

	st.Generation = uint64(gen)
	st.AppliedAt = time.Unix(0, appliedAtN).UTC()
	// Callers keep the generation sequence going past a bad record.
	corrupt := func(err error) (*AppliedState, error) {
		return &AppliedState{Generation: st.Generation, AppliedAt: st.AppliedAt}, storeErr("load", err)
	}

	rs, err := ruleset.Decode(rsData)
	if err != nil {
		return corrupt(fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	if err := json.Unmarshal(ctrData, &st.Containers); err != nil {
		return corrupt(fmt.Errorf("%w: containers: %v", ErrCorrupt, err))
	}

	st.KernelGeneration = uint64(kgen)
	st.RuleSet = rs
	st.Fallback = fallback
	return &st, nil
}

// Save replaces the stored state in one transaction and appends a history
// row. AppliedAt defaults to the store clock.
func (s *SQLiteStore) Save(ctx context.Context, st AppliedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storeErr("save", ErrStoreClosed)
	}

	if st.AppliedAt.IsZero() {
		st.AppliedAt = s.clock.Now()
	}
	ctrData, err := json.Marshal(st.Containers)
	if err != nil {
		return storeErr("save", err)
	}
	if ctrData == nil || string(ctrData) == "null" {
		ctrData = []byte("[]")
	}

	// Start atomic transaction
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("save", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, "SELECT generation FROM applied_state WHERE id = 1").Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storeErr("save", err)
	}
	if err == nil && st.Generation <= uint64(current) {
		return storeErr("save", fmt.Errorf("%w: %d after %d", ErrStaleGeneration, st.Generation, current))
	}

	appliedAt := st.AppliedAt.UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applied_state (id, generation, ruleset, containers, kernel_generation, fallback, summary, applied_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			generation = excluded.generation,
			ruleset = excluded.ruleset,
			containers = excluded.containers,
			kernel_generation = excluded.kernel_generation,
			fallback = excluded.fallback,
			summary = excluded.summary,
			applied_at = excluded.applied_at
	`, int64(st.Generation), st.RuleSet.Canonical(), ctrData, int64(st.KernelGeneration), st.Fallback, st.Summary, appliedAt)
	if err != nil {
		return storeErr("save", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (generation, applied_at, fingerprint, summary, fallback)
		VALUES (?, ?, ?, ?, ?)
	`, int64(st.Generation), appliedAt, st.RuleSet.Fingerprint(), st.Summary, st.Fallback)
	if err != nil {
		return storeErr("save", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM history WHERE id NOT IN (
			SELECT id FROM history ORDER BY id DESC LIMIT ?
		)
	`, s.historyLimit)
	if err != nil {
		return storeErr("save", err)
	}

	return storeErr("save", tx.Commit())
}

// History returns the most recent saves, newest first.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storeErr("history", ErrStoreClosed)
	}
	if limit <= 0 {
		limit = s.historyLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, generation, applied_at, fingerprint, summary, fallback
		FROM history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, storeErr("history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h   HistoryEntry
			gen int64
			at  int64
		)
		if err := rows.Scan(&h.ID, &gen, &at, &h.Fingerprint, &h.Summary, &h.Fallback); err != nil {
			return nil, storeErr("history", err)
		}
		h.Generation = uint64(gen)
		h.AppliedAt = time.Unix(0, at).UTC()
		out = append(out, h)
	}
	return out, storeErr("history", rows.Err())
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
