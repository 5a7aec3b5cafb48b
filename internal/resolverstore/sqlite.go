// Package resolverstore provides a SQLite-backed persistence layer for
// polestar.DefaultResolver's URL<->id bindings, using the same
// isolated-per-file database/sql + glebarez/sqlite pattern as the module's
// other SQLite-backed store.
package resolverstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// SQLiteStore persists url->id bindings in a single table.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) a resolver binding database at
// {dataDir}/resolver/bindings.sqlite3.
func Open(dataDir string) (*SQLiteStore, error) {
	dir := filepath.Join(dataDir, "resolver")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating resolver store directory: %w", err)
	}
	dbPath := filepath.Join(dir, "bindings.sqlite3")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening resolver store %q: %w", dbPath, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bindings (
		url TEXT PRIMARY KEY,
		id  TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bindings table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// OpenMemory opens an in-memory store, useful for tests.
func OpenMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory resolver store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bindings (
		url TEXT PRIMARY KEY,
		id  TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bindings table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns every known url->id binding.
func (s *SQLiteStore) Load() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT url, id FROM bindings`)
	if err != nil {
		return nil, fmt.Errorf("loading bindings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var u, id string
		if err := rows.Scan(&u, &id); err != nil {
			return nil, fmt.Errorf("scanning binding row: %w", err)
		}
		out[u] = id
	}
	return out, rows.Err()
}

// Save upserts a single url->id binding.
func (s *SQLiteStore) Save(url, id string) error {
	_, err := s.db.Exec(`INSERT INTO bindings (url, id) VALUES (?, ?)
		ON CONFLICT(url) DO UPDATE SET id = excluded.id`, url, id)
	if err != nil {
		return fmt.Errorf("saving binding %q -> %q: %w", url, id, err)
	}
	return nil
}

// Delete removes every binding pointing at id.
func (s *SQLiteStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM bindings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting bindings for %q: %w", id, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
