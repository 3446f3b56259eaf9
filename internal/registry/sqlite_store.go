package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore persists session values in a WAL-mode SQLite database so that
// a console restart restores every session's monitor selection.
//
// Writes go through Sessions; SQLiteStore itself holds no in-memory state and
// is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// ddl is the schema applied by OpenSQLite (idempotent).
const ddl = `
CREATE TABLE IF NOT EXISTS session_values (
    session_id TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (session_id, key)
);
`

// OpenSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database, which is useful in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %q: %w", path, err)
	}

	// One connection: SQLite has a single writer and an in-memory database
	// exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put upserts value for (sessionID, key).
func (s *SQLiteStore) Put(ctx context.Context, sessionID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_values (session_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		sessionID, key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("registry: put %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// Remove deletes (sessionID, key). Removing an absent row is a no-op.
func (s *SQLiteStore) Remove(ctx context.Context, sessionID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_values WHERE session_id = ? AND key = ?`, sessionID, key); err != nil {
		return fmt.Errorf("registry: remove %s/%s: %w", sessionID, key, err)
	}
	return nil
}

// RemoveSession deletes every value stored for sessionID.
func (s *SQLiteStore) RemoveSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_values WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("registry: remove session %s: %w", sessionID, err)
	}
	return nil
}

// Load returns every stored value grouped by session ID.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, key, value FROM session_values ORDER BY session_id, key`)
	if err != nil {
		return nil, fmt.Errorf("registry: load query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var sessionID, key, value string
		if err := rows.Scan(&sessionID, &key, &value); err != nil {
			return nil, fmt.Errorf("registry: load scan: %w", err)
		}
		if out[sessionID] == nil {
			out[sessionID] = make(map[string]string)
		}
		out[sessionID][key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: load rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
