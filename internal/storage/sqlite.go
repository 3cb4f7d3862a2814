package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // CGO-free SQLite
)

// SQLite persists values to a SQLite file, namespaced by a session scope so
// several sessions can share one file without seeing each other's keys.
type SQLite struct {
	db    *sql.DB
	scope string
}

func NewSQLite(databasePath, scope string) (*SQLite, error) {
	if scope == "" {
		return nil, errors.New("storage scope cannot be empty")
	}
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS session_store(
	  scope      TEXT    NOT NULL,
	  key        TEXT    NOT NULL,
	  value      TEXT    NOT NULL,
	  updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
	  PRIMARY KEY (scope, key)
	);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session store table: %w", err)
	}
	return &SQLite{db: db, scope: scope}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_store WHERE scope = ? AND key = ?`, s.scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO session_store(scope, key, value) VALUES(?, ?, ?)
	ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = unixepoch()`,
		s.scope, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
