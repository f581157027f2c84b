// Package store persists worker lifecycle state in SQLite so the status
// API can report supervision history, and so the last known PID and
// status per slot survive a master restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event is one supervision event recorded by the master.
type Event struct {
	ID     int64
	Slot   int
	PID    int
	Kind   string // "spawned", "ready", "exited", "heartbeat-timeout", "restarted", "degraded", "stopped"
	Detail string
	At     time.Time
}

// SlotState is the last recorded status of a worker slot.
type SlotState struct {
	Slot      int
	PID       int
	Status    string
	Restarts  int
	UpdatedAt time.Time
}

// Store wraps the SQLite database holding supervision state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open store %s: %v", path, err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS worker_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slot INTEGER NOT NULL,
	pid INTEGER NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_events_created ON worker_events(created_at);
CREATE TABLE IF NOT EXISTS worker_slots (
	slot INTEGER PRIMARY KEY,
	pid INTEGER NOT NULL,
	status TEXT NOT NULL,
	restarts INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("cannot create store schema: %v", err)
	}
	return nil
}

// RecordEvent appends a supervision event.
func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_events (slot, pid, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.Slot, ev.PID, ev.Kind, ev.Detail, at)
	if err != nil {
		return fmt.Errorf("cannot record event: %v", err)
	}
	return nil
}

// SetSlotState upserts the last known state of a worker slot.
func (s *Store) SetSlotState(ctx context.Context, st SlotState) error {
	at := st.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_slots (slot, pid, status, restarts, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET pid=excluded.pid, status=excluded.status,
		 restarts=excluded.restarts, updated_at=excluded.updated_at`,
		st.Slot, st.PID, st.Status, st.Restarts, at)
	if err != nil {
		return fmt.Errorf("cannot update slot state: %v", err)
	}
	return nil
}

// SlotStates returns the last known state of every slot, ordered by slot.
func (s *Store) SlotStates(ctx context.Context) ([]SlotState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, pid, status, restarts, updated_at FROM worker_slots ORDER BY slot`)
	if err != nil {
		return nil, fmt.Errorf("cannot query slot states: %v", err)
	}
	defer rows.Close()

	var states []SlotState
	for rows.Next() {
		var st SlotState
		if err := rows.Scan(&st.Slot, &st.PID, &st.Status, &st.Restarts, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("cannot scan slot state: %v", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slot, pid, kind, detail, created_at FROM worker_events
		 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cannot query events: %v", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Slot, &ev.PID, &ev.Kind, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("cannot scan event: %v", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
