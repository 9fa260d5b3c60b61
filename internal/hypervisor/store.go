package hypervisor

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/cernvm/cernvm-webapi/internal/clock"
)

// Store errors.
var (
	ErrStoreClosed = errors.New("store is closed")
)

// Store persists session parameters in SQLite with WAL mode. This is the
// "persistence the driver already stores": session parameter maps survive
// daemon restarts, nothing else does.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	clk    clock.Clock
}

// OpenStore opens (or creates) the store at path. Use ":memory:" for an
// ephemeral store in tests.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to session store: %w", err)
	}

	s := &Store{db: db, clk: &clock.RealClock{}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session store schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_params (
			uuid TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (uuid, key),
			FOREIGN KEY (uuid) REFERENCES sessions(uuid) ON DELETE CASCADE
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RegisterSession records a session. Idempotent.
func (s *Store) RegisterSession(uuid, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (uuid, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET name = excluded.name`,
		uuid, name, s.clk.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// SaveParam stores one session parameter.
func (s *Store) SaveParam(uuid, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(
		`INSERT INTO session_params (uuid, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(uuid, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		uuid, key, value, s.clk.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// LoadParams returns all parameters of a session.
func (s *Store) LoadParams(uuid string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`SELECT key, value FROM session_params WHERE uuid = ?`, uuid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ListSessions returns the uuids of all persisted sessions.
func (s *Store) ListSessions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`SELECT uuid FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, err
		}
		out = append(out, uuid)
	}
	return out, rows.Err()
}

// SessionName returns the recorded name of a session.
func (s *Store) SessionName(uuid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}
	var name string
	err := s.db.QueryRow(`SELECT name FROM sessions WHERE uuid = ?`, uuid).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return name, err
}

// DeleteSession removes a session and its parameters.
func (s *Store) DeleteSession(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(`DELETE FROM session_params WHERE uuid = ?`, uuid); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM sessions WHERE uuid = ?`, uuid)
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
