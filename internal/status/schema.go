// Package status records sync attempts per peer in SQLite so the status
// API, the MCP tools and the CLI can show live and historical progress.
package status

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sync_attempts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id       TEXT    NOT NULL,
	kind              TEXT    NOT NULL,
	direction         TEXT    NOT NULL,
	started_at        INTEGER NOT NULL,
	finished_at       INTEGER NOT NULL DEFAULT 0,
	files_total       INTEGER,
	files_transferred INTEGER NOT NULL DEFAULT 0,
	state             TEXT    NOT NULL,
	error             TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_attempts_peer ON sync_attempts(endpoint_id, direction, id);

CREATE TABLE IF NOT EXISTS sync_files (
	attempt_id INTEGER NOT NULL REFERENCES sync_attempts(id) ON DELETE CASCADE,
	uuid       TEXT    NOT NULL,
	path       TEXT    NOT NULL,
	modified   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_attempt ON sync_files(attempt_id);
`

// Store wraps the status database.
type Store struct {
	conn  *sql.DB
	hooks hooks
}

// Open opens (or creates) the status database at path and applies the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("status: open db: %w", err)
	}
	// Listener and push driver share the store; all writes go through one connection.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("status: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("status: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
