package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultSlotName is the slot key used for the run log.
const DefaultSlotName = "gitrun_run_history_v1"

// SQLiteSlot stores the log as a single row of a key/value table in a
// local SQLite database.
type SQLiteSlot struct {
	db   *sql.DB
	name string
}

// OpenSQLiteSlot opens (or creates) the database at path and returns the
// slot with the given name. Use ":memory:" in tests.
func OpenSQLiteSlot(path, name string) (*SQLiteSlot, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS slots (
		name       TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate slots: %w", err)
	}
	if name == "" {
		name = DefaultSlotName
	}
	return &SQLiteSlot{db: db, name: name}, nil
}

// Close closes the underlying database.
func (s *SQLiteSlot) Close() error {
	return s.db.Close()
}

func (s *SQLiteSlot) Read() ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(context.Background(),
		`SELECT value FROM slots WHERE name = ?`, s.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading slot %s: %w", s.name, err)
	}
	return data, nil
}

func (s *SQLiteSlot) Write(data []byte) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO slots (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.name, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing slot %s: %w", s.name, err)
	}
	return nil
}
