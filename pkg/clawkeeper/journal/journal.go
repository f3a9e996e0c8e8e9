// Package journal persists supervisor lifecycle events in SQLite so
// operators can inspect restart history after the fact. The journal is a
// pure observer: it subscribes to the event stream in the entry point and
// is never consulted by any supervision decision.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/supervisor"
)

// DefaultPath is where the journal database lives unless configured.
const DefaultPath = "./data/clawkeeper.db"

// timeFormat is a fixed-width RFC 3339 layout. Recent orders rows by the
// created_at string, so fractional seconds must never lose trailing zeros
// or lexicographic order diverges from chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded lifecycle event.
type Entry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	DelayMs   int64     `json:"delay_ms,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal is the SQLite-backed event store.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path, creating parent
// directories and the events table as needed.
func Open(path string) (*Journal, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			pid        INTEGER NOT NULL DEFAULT 0,
			exit_code  INTEGER NOT NULL DEFAULT 0,
			signal     TEXT NOT NULL DEFAULT '',
			attempt    INTEGER NOT NULL DEFAULT 0,
			delay_ms   INTEGER NOT NULL DEFAULT 0,
			failures   INTEGER NOT NULL DEFAULT 0,
			message    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record persists one supervisor event.
func (j *Journal) Record(ev supervisor.Event) error {
	_, err := j.db.Exec(`
		INSERT INTO events
			(id, type, pid, exit_code, signal, attempt, delay_ms, failures, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		string(ev.Type),
		ev.PID,
		ev.ExitCode,
		ev.Signal,
		ev.Attempt,
		ev.Delay.Milliseconds(),
		ev.Failures,
		ev.Message,
		ev.Time.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", ev.Type, err)
	}
	return nil
}

// Recent returns the newest limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT id, type, pid, exit_code, signal, attempt, delay_ms, failures, message, created_at
		FROM events
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			createdAt string
		)
		if err := rows.Scan(
			&e.ID, &e.Type, &e.PID, &e.ExitCode, &e.Signal,
			&e.Attempt, &e.DelayMs, &e.Failures, &e.Message, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of recorded events.
func (j *Journal) Count() (int, error) {
	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
