// Package checkpoint provides per-(module, source) opaque cursor
// persistence (spec §3 "Checkpoint", §4.7). Checkpoints are created on
// first poll and updated after every successful poll that produced
// events, advancing to the max event timestamp observed. Writes are
// eager and not fsync'd — see DESIGN.md Open Question decisions.
package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed checkpoint store keyed by (module, source).
// All public methods are safe for concurrent use; SQLite serializes
// writes internally.
type Store struct {
	db *sql.DB
}

// Open creates or opens a checkpoint store at dbPath using the cgo
// mattn/go-sqlite3 driver. The schema is created automatically on
// first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already-open *sql.DB, migrating the schema if
// needed. Used directly by tests against the pure-Go modernc.org/sqlite
// driver so they don't require cgo.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoints (
		module     TEXT NOT NULL,
		source     TEXT NOT NULL,
		cursor     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (module, source)
	);
	`)
	return err
}

// epoch is the boundary below which a stored cursor is treated as "no
// checkpoint" (spec §4.8, §8 boundary behaviors).
var epoch = time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)

// Get returns the stored cursor for (module, source). Returns "" and
// nil error if no checkpoint has been recorded yet.
func (s *Store) Get(module, source string) (string, error) {
	var cursor string
	err := s.db.QueryRow(
		`SELECT cursor FROM checkpoints WHERE module = ? AND source = ?`,
		module, source,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get checkpoint %s/%s: %w", module, source, err)
	}
	return cursor, nil
}

// IsEpoch reports whether cursor represents "no checkpoint" — either
// empty, or a timestamp at or before the epoch boundary.
func IsEpoch(cursor string) bool {
	if cursor == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return true
	}
	return !t.After(epoch)
}

// Set unconditionally overwrites the stored cursor for (module, source).
func (s *Store) Set(module, source, cursor string) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (module, source, cursor, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (module, source) DO UPDATE
		 SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		module, source, cursor, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set checkpoint %s/%s: %w", module, source, err)
	}
	return nil
}

// Advance stores candidate as the new cursor only if it is
// lexicographically >= the current cursor (spec §8 "checkpoint
// monotonicity"). ISO 8601/RFC 3339 UTC timestamps sort correctly as
// strings, so a plain string compare suffices. An unparsable current
// cursor is treated as epoch and always superseded.
func (s *Store) Advance(module, source, candidate string) error {
	current, err := s.Get(module, source)
	if err != nil {
		return err
	}
	if current != "" && !IsEpoch(current) && candidate < current {
		return fmt.Errorf("checkpoint regression for %s/%s: %q < %q", module, source, candidate, current)
	}
	return s.Set(module, source, candidate)
}

// Delete removes the checkpoint for (module, source), if any.
func (s *Store) Delete(module, source string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE module = ? AND source = ?`, module, source)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s/%s: %w", module, source, err)
	}
	return nil
}

// DeleteModule removes all checkpoints owned by module. The runtime's
// UnloadModule does not call it, so an unloaded module's checkpoints
// stay in the store.
func (s *Store) DeleteModule(module string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE module = ?`, module)
	if err != nil {
		return fmt.Errorf("delete module checkpoints %s: %w", module, err)
	}
	return nil
}
