// Package store persists transcripts in SQLite, one row per session.
// The transcript is written whole on every Set: transcripts are small
// relative to write frequency and the whole-row model keeps the
// reducer's snapshot semantics exact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/domain"
)

// SQLiteStore implements domain.TranscriptStore on SQLite. Change
// listeners are in-process only: subscribers learn about writes made
// through this store instance, not writes from other processes.
type SQLiteStore struct {
	db *sql.DB

	mu        sync.Mutex
	listeners map[string]map[uint64]func([]domain.Message)
	nextSub   uint64
}

var _ domain.TranscriptStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath and runs
// the schema migration. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteStore{
		db:        db,
		listeners: make(map[string]map[uint64]func([]domain.Message)),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			session_id  TEXT PRIMARY KEY,
			messages    TEXT NOT NULL DEFAULT '[]',
			updated_at  TEXT NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) ([]domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT messages FROM transcripts WHERE session_id = ?", sessionID)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no transcript yet is not an error
		}
		return nil, fmt.Errorf("load transcript %s: %w", sessionID, err)
	}

	var msgs []domain.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", sessionID, err)
	}
	return msgs, nil
}

func (s *SQLiteStore) Set(ctx context.Context, sessionID string, msgs []domain.Message) error {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode transcript %s: %w", sessionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcripts (session_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		sessionID, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store transcript %s: %w", sessionID, err)
	}

	s.notify(sessionID, msgs)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id FROM transcripts ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Subscribe registers a change listener for one session. Listeners
// run synchronously on the writer's goroutine.
func (s *SQLiteStore) Subscribe(sessionID string, fn func([]domain.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	if s.listeners[sessionID] == nil {
		s.listeners[sessionID] = make(map[uint64]func([]domain.Message))
	}
	s.listeners[sessionID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[sessionID], id)
		if len(s.listeners[sessionID]) == 0 {
			delete(s.listeners, sessionID)
		}
	}
}

func (s *SQLiteStore) notify(sessionID string, msgs []domain.Message) {
	s.mu.Lock()
	fns := make([]func([]domain.Message), 0, len(s.listeners[sessionID]))
	for _, fn := range s.listeners[sessionID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(msgs)
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
