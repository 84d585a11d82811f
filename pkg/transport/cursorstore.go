package transport

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // register the sqlite driver
)

// CursorStore persists, per (clientId, topic), the latest cursor a client
// has acknowledged, so a reconnect resumes where the previous connection
// left off.
type CursorStore interface {
	// Get returns the stored cursor, or "" when none is stored.
	Get(clientID, topic string) (string, error)
	// Set stores the cursor if it is greater than the stored one.
	Set(clientID, topic, cursor string) error
	Close() error
}

// MemoryCursorStore keeps cursors in process memory. Resume works across
// reconnects within one process lifetime only.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[[2]string]string
}

// NewMemoryCursorStore creates an empty in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[[2]string]string)}
}

func (s *MemoryCursorStore) Get(clientID, topic string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[[2]string{clientID, topic}], nil
}

func (s *MemoryCursorStore) Set(clientID, topic, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{clientID, topic}
	if cursor > s.cursors[key] {
		s.cursors[key] = cursor
	}
	return nil
}

func (s *MemoryCursorStore) Close() error { return nil }

// SQLiteCursorStore persists cursors in an embedded SQLite database so
// resume survives process restarts.
type SQLiteCursorStore struct {
	db *sql.DB
}

// NewSQLiteCursorStore opens (creating if needed) the cursor database at
// path. Use ":memory:" for an ephemeral store.
func NewSQLiteCursorStore(path string) (*SQLiteCursorStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store %s: %w", path, err)
	}
	// The store is touched from the read loop and the app; a single
	// connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cursors (
		client_id TEXT NOT NULL,
		topic     TEXT NOT NULL,
		cursor    TEXT NOT NULL,
		PRIMARY KEY (client_id, topic)
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cursor store: %w", err)
	}
	return &SQLiteCursorStore{db: db}, nil
}

func (s *SQLiteCursorStore) Get(clientID, topic string) (string, error) {
	var cursor string
	err := s.db.QueryRow(
		`SELECT cursor FROM cursors WHERE client_id = ? AND topic = ?`,
		clientID, topic).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor for %s/%s: %w", clientID, topic, err)
	}
	return cursor, nil
}

func (s *SQLiteCursorStore) Set(clientID, topic, cursor string) error {
	_, err := s.db.Exec(
		`INSERT INTO cursors (client_id, topic, cursor) VALUES (?, ?, ?)
		 ON CONFLICT (client_id, topic) DO UPDATE SET cursor = excluded.cursor
		 WHERE excluded.cursor > cursors.cursor`,
		clientID, topic, cursor)
	if err != nil {
		return fmt.Errorf("failed to store cursor for %s/%s: %w", clientID, topic, err)
	}
	return nil
}

func (s *SQLiteCursorStore) Close() error {
	return s.db.Close()
}
