// Package store provides the control plane's SQLite-backed metadata store:
// declared bot state, the gap-aware port allocator, and the operator audit
// log.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/openclaw/botmaker/common/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors forming the store's closed error set. Callers match with
// errors.Is; messages carry the offending key via wrapping.
var (
	ErrNotFound          = errors.New("bot not found")
	ErrDuplicateHostname = errors.New("hostname already in use")
	ErrPortsExhausted    = errors.New("no free port available")
)

// Bot statuses persisted in the bots table. StatusStarting is a reporting
// overlay derived from container health and is never written to the row.
const (
	StatusCreated  = "created"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// maxPort is the upper bound of the allocator's search range.
const maxPort = 65535

// Store wraps the database connection
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations
func New(dbPath string) (*Store, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, migrationsFS, "migrations"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: database}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
