// Package store persists request logs and usage aggregates in SQLite.
// Fleet state itself lives in accounts.json; the database only carries
// operational history.
package store

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			account_id TEXT,
			client_key TEXT,
			origin TEXT NOT NULL,
			model TEXT NOT NULL,
			stream BOOLEAN NOT NULL DEFAULT 0,
			request_at DATETIME NOT NULL,
			duration_ms INTEGER,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			estimated BOOLEAN NOT NULL DEFAULT 0,
			status_code INTEGER,
			success BOOLEAN NOT NULL,
			error_kind TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_request_at ON request_logs(request_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_account ON request_logs(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_model ON request_logs(model)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
