// Package store persists approvals that outlive a session in a local
// SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed record of exact-command approvals.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (and if needed creates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate ensures the schema is up to date.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		key TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveApproval records a persistent approval. command is the
// human-readable form kept for inspection.
func (s *Store) SaveApproval(key, command string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO approvals (key, command) VALUES (?, ?)",
		key, command,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

// HasApproval reports whether a persistent approval exists for key.
func (s *Store) HasApproval(key string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM approvals WHERE key = ?", key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query approval: %w", err)
	}
	return true, nil
}

// Approval is one persisted approval row.
type Approval struct {
	Key     string
	Command string
}

// ListApprovals returns every persisted approval, newest first.
func (s *Store) ListApprovals() ([]Approval, error) {
	rows, err := s.db.Query("SELECT key, command FROM approvals ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.Key, &a.Command); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// RemoveApproval deletes a persisted approval.
func (s *Store) RemoveApproval(key string) error {
	_, err := s.db.Exec("DELETE FROM approvals WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to remove approval: %w", err)
	}
	return nil
}
