// Package store is the keyring's SQLite-backed state: encrypted provider
// keys, the registered-bot table keyed by bearer token hash, and the
// append-only usage log.
//
// Key secrets are sealed with AES-256-GCM under the process master key
// before they touch the database, and only ever leave it through
// DecryptSecret. Everything else in a key row is metadata.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/openclaw/botmaker/common/crypto"
	"github.com/openclaw/botmaker/common/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors forming the store's closed error set. Callers match with
// errors.Is; messages carry the offending key via wrapping.
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateBot = errors.New("bot already registered")
)

// Store wraps the database connection and the master key
type Store struct {
	db        *sql.DB
	masterKey []byte
}

// New creates a new Store and runs migrations. masterKey must be the
// 32-byte AES-256 key; losing it makes every stored secret unreadable.
func New(dbPath string, masterKey []byte) (*Store, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, migrationsFS, "migrations"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: database, masterKey: masterKey}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
