package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("audit snapshot not found")

// Store persists audit trail snapshots to sqlite, one row per terminal run.
// Sessions themselves are process-lifetime only; the snapshots are what
// survive for later review.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the snapshot database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init runs migrations using PRAGMA user_version.
func (s *Store) init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS audit_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  run_count INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  trail TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_session ON audit_snapshots(session_id);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// Save appends a snapshot of the trail for the session's current run.
func (s *Store) Save(sessionID string, t *Trail) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trail: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_snapshots (session_id, run_count, created_at, trail) VALUES (?, ?, ?, ?)`,
		sessionID, t.CurrentRun(), time.Now().UTC().Format(time.RFC3339Nano), string(data),
	)
	return err
}

// Latest loads the most recent snapshot for a session.
func (s *Store) Latest(sessionID string) (*Trail, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT trail FROM audit_snapshots WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Trail
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("unmarshal trail: %w", err)
	}
	return &t, nil
}

// Runs returns the number of stored snapshots for a session.
func (s *Store) Runs(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM audit_snapshots WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
