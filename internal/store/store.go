// Package store persists the control plane's event log and state snapshots
// to an embedded SQLite database.
//
// The event log is append-only and idempotent on event id, so a producer
// retry cannot duplicate a log row. Snapshots are whole-tree JSON written on
// a fixed cadence; together they bound recovery time after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/DMcConnell/mira/internal/model"
)

// Store wraps the SQLite handle behind the event-log operations.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	closed atomic.Bool
}

// Snapshot is one persisted state row. LastEventRowID is the event-log
// watermark captured when the row was written; replay resumes after it.
type Snapshot struct {
	ID             int64
	TS             string
	State          []byte
	LastEventRowID int64
}

// memdbSeq names in-memory databases. Shared cache is scoped by name, so each
// store needs its own or two in-memory stores would share rows.
var memdbSeq atomic.Int64

// New opens the database at path, creating the data directory and schema as
// needed. ":memory:" is supported for tests.
func New(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	inMemory := path == ":memory:"

	var connStr string
	if inMemory {
		// In-memory databases are per-connection; shared cache plus a pool of
		// one keeps every query on the same database. WAL does not work with
		// shared in-memory databases, hence DELETE mode.
		connStr = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite", memdbSeq.Add(1))
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// AppendEvent inserts an event row. Appends are idempotent on event id: a
// duplicate id is a logged no-op.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, ts, commandId, type, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.TS, ev.CommandID, ev.Type, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Info("duplicate event id ignored", zap.String("event_id", ev.ID))
	}
	return nil
}

// EventsAfter returns events appended after the given rowid watermark in
// insertion order. Zero returns the whole log. The watermark, not the event
// ts, is the replay cursor: producer timestamps are variable-precision
// strings whose lexicographic order can diverge from time order, and compound
// reductions persist multiple events with one ts.
func (s *Store) EventsAfter(ctx context.Context, rowID int64) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, commandId, type, payload FROM events WHERE rowid > ? ORDER BY rowid`, rowID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.CommandID, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSnapshot inserts one whole-tree snapshot row, capturing the current
// event-log watermark alongside it.
func (s *Store) SaveSnapshot(ctx context.Context, ts string, state []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (ts, state, last_event_rowid)
		 VALUES (?, ?, (SELECT COALESCE(MAX(rowid), 0) FROM events))`,
		ts, string(state)); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot, or nil when none exists yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ts, state, last_event_rowid FROM snapshots ORDER BY id DESC LIMIT 1`)

	var snap Snapshot
	var state string
	if err := row.Scan(&snap.ID, &snap.TS, &state, &snap.LastEventRowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	snap.State = []byte(state)
	return &snap, nil
}

// Close releases the database handle. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
