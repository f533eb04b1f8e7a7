// Package store persists runs and their append-only event streams in SQLite.
//
// The store is the exclusive owner of the persisted data. Sequence numbers
// are allocated inside a transaction so that each run's event stream is dense
// starting at zero, with each handle's writer mutex as a second line of
// serialization for that handle.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mcp-tool-shop-org/nexus-router/internal/config"
	"github.com/mcp-tool-shop-org/nexus-router/internal/events"
	"github.com/mcp-tool-shop-org/nexus-router/internal/types"
)

// MemoryPath is the special db_path denoting an ephemeral, process-local
// store that vanishes on Close.
const MemoryPath = ":memory:"

// createdAtFormat is RFC 3339 UTC with millisecond precision. The strings
// sort lexicographically, which the listing queries rely on.
const createdAtFormat = "2006-01-02T15:04:05.000Z"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	goal       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	event_id     TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(run_id),
	seq          INTEGER NOT NULL,
	type         TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	UNIQUE(run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq);
`

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID     string
	Mode      types.Mode
	Goal      string
	Status    types.RunStatus
	CreatedAt string
}

// EventRecord is one row of the events table. Payload is canonical JSON.
type EventRecord struct {
	EventID   string
	RunID     string
	Seq       int64
	Type      events.Type
	Payload   []byte
	CreatedAt string
}

// Filter narrows run listings and counts. Zero values mean "no filter".
// Since is an inclusive minimum created_at.
type Filter struct {
	RunID  string
	Status types.RunStatus
	Since  string
}

// Counts aggregates run statuses under a filter.
type Counts struct {
	Total     int
	Completed int
	Failed    int
	Running   int
}

// Store is a handle over one SQLite database.
type Store struct {
	db *sql.DB

	// mu serializes writers on this handle. Sequence allocation is also
	// transactional, so concurrent handles on the same file stay correct.
	mu sync.Mutex
}

// Open opens or creates persistent storage at path and initializes the
// schema if absent. The special path ":memory:" is ephemeral.
func Open(path string) (*Store, error) {
	if path == "" {
		path = config.DefaultDBPath
	}
	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, ioErr("open", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ioErr("open", err)
	}
	// A single connection keeps an in-memory database alive for the handle's
	// lifetime and doubles as the single-writer discipline for files.
	db.SetMaxOpenConns(1)
	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, ioErr("open", err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, ioErr("init schema", err)
	}
	return &Store{db: db}, nil
}

// Close releases the handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun assigns a fresh run_id and inserts the run with status RUNNING.
func (s *Store) CreateRun(ctx context.Context, mode types.Mode, goal string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	createdAt := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, mode, goal, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, string(mode), goal, string(types.StatusRunning), createdAt,
	)
	if err != nil {
		return "", ioErr("create run", err)
	}
	return runID, nil
}

// Append atomically allocates the next seq for runID, persists the event,
// and returns its event_id. The payload is stored as canonical JSON.
// Returns ErrRunNotFound when the run_id is unknown.
func (s *Store) Append(ctx context.Context, runID string, typ events.Type, payload any) (string, error) {
	data, err := events.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", typ, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", ioErr("append", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE run_id = ?`, runID,
	).Scan(&exists); err != nil {
		return "", ioErr("append", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("append %s for %s: %w", typ, runID, ErrRunNotFound)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq)+1, 0) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return "", ioErr("append", err)
	}

	eventID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, seq, type, payload_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, runID, seq, string(typ), string(data), now(),
	); err != nil {
		return "", ioErr("append", err)
	}
	if err := tx.Commit(); err != nil {
		return "", ioErr("append", err)
	}
	return eventID, nil
}

// SetRunStatus performs the single RUNNING -> terminal transition. Repeated
// calls with the same status are idempotent; moving away from a terminal
// status fails with ErrInvalidTransition.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status types.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("set status", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE run_id = ?`, runID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("set status for %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return ioErr("set status", err)
	}

	cur := types.RunStatus(current)
	if cur == status {
		return nil
	}
	if cur.Terminal() {
		return fmt.Errorf("set status %s -> %s: %w", cur, status, ErrInvalidTransition)
	}
	if !status.Terminal() {
		return fmt.Errorf("set status %s -> %s: %w", cur, status, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ?`, string(status), runID,
	); err != nil {
		return ioErr("set status", err)
	}
	if err := tx.Commit(); err != nil {
		return ioErr("set status", err)
	}
	return nil
}

// GetRun returns a single run record.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	var rec RunRecord
	var mode, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, mode, goal, status, created_at FROM runs WHERE run_id = ?`, runID,
	).Scan(&rec.RunID, &mode, &rec.Goal, &status, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return RunRecord{}, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return RunRecord{}, ioErr("get run", err)
	}
	rec.Mode = types.Mode(mode)
	rec.Status = types.RunStatus(status)
	return rec, nil
}

// ListRuns returns runs ordered by created_at descending under the filter.
// Page bounds: 0 <= limit <= MaxListLimit, offset >= 0.
func (s *Store) ListRuns(ctx context.Context, f Filter, limit, offset int) ([]RunRecord, error) {
	if limit < 0 || limit > config.MaxListLimit {
		return nil, fmt.Errorf("list runs: limit %d out of range [0, %d]", limit, config.MaxListLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("list runs: offset %d must be non-negative", offset)
	}

	where, params := buildFilter(f)
	query := `SELECT run_id, mode, goal, status, created_at FROM runs ` + where +
		` ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?`
	params = append(params, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, ioErr("list runs", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var mode, status string
		if err := rows.Scan(&rec.RunID, &mode, &rec.Goal, &status, &rec.CreatedAt); err != nil {
			return nil, ioErr("list runs", err)
		}
		rec.Mode = types.Mode(mode)
		rec.Status = types.RunStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list runs", err)
	}
	return out, nil
}

// CountRuns aggregates run status counts under the filter.
func (s *Store) CountRuns(ctx context.Context, f Filter) (Counts, error) {
	where, params := buildFilter(f)
	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'RUNNING' THEN 1 ELSE 0 END), 0)
		FROM runs ` + where

	var c Counts
	if err := s.db.QueryRowContext(ctx, query, params...).Scan(
		&c.Total, &c.Completed, &c.Failed, &c.Running,
	); err != nil {
		return Counts{}, ioErr("count runs", err)
	}
	return c, nil
}

// ReadEvents returns all events for runID ascending by seq.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, seq, type, payload_json, created_at
		 FROM events WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, ioErr("read events", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var typ, payload string
		if err := rows.Scan(&rec.EventID, &rec.RunID, &rec.Seq, &typ, &payload, &rec.CreatedAt); err != nil {
			return nil, ioErr("read events", err)
		}
		rec.Type = events.Type(typ)
		rec.Payload = []byte(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("read events", err)
	}
	return out, nil
}

func buildFilter(f Filter) (string, []any) {
	var conds []string
	var params []any
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		params = append(params, f.RunID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		params = append(params, string(f.Status))
	}
	if f.Since != "" {
		conds = append(conds, "created_at >= ?")
		params = append(params, f.Since)
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := "WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, params
}

func now() string {
	return time.Now().UTC().Format(createdAtFormat)
}
