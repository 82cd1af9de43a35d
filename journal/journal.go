// Package journal keeps a local SQLite log of the varlink calls made by the
// client, one row per finished call.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"mini-varlink/client"
)

// Entry is one stored call.
type Entry struct {
	ID         string    `json:"id" yaml:"id"`
	Method     string    `json:"method" yaml:"method"`
	Address    string    `json:"address" yaml:"address"`
	Parameters string    `json:"parameters" yaml:"parameters"`
	Outcome    string    `json:"outcome" yaml:"outcome"`
	Detail     string    `json:"detail" yaml:"detail"`
	StartedAt  time.Time `json:"startedAt" yaml:"startedAt"`
	DurationMS int64     `json:"durationMs" yaml:"durationMs"`
}

// Store owns the journal database.
type Store struct {
	db   *sql.DB
	path string

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open opens or creates the journal at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		path:    path,
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			method TEXT NOT NULL,
			address TEXT NOT NULL,
			parameters TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_method ON calls(method);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
	}
	return nil
}

func (s *Store) newID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Record stores rec. It implements client.Recorder.
func (s *Store) Record(ctx context.Context, rec client.Record) error {
	if s == nil || s.db == nil {
		return errors.New("nil journal")
	}
	params := "{}"
	if rec.Parameters != nil {
		data, err := json.Marshal(rec.Parameters)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.Method, err)
		}
		params = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls(id, method, address, parameters, outcome, detail, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, s.newID(rec.Started), rec.Method, rec.Address, params, rec.Outcome.String(), rec.Detail,
		rec.Started.UnixMilli(), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record %s: %w", rec.Method, err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, method, address, parameters, outcome, detail, started_at, duration_ms
		FROM calls ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			started int64
		)
		if err := rows.Scan(&e.ID, &e.Method, &e.Address, &e.Parameters, &e.Outcome, &e.Detail, &started, &e.DurationMS); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
