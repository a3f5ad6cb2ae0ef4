package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/botmaker/common/crypto"
)

// Key is one stored provider credential.
type Key struct {
	ID     string
	Vendor string
	// SecretEnc is the sealed credential blob. ListKeys leaves it nil; the
	// per-vendor lookups populate it for DecryptSecret.
	SecretEnc []byte
	Label     sql.NullString
	// Tag is the routing tag. NULL marks a vendor-default key.
	Tag       sql.NullString
	CreatedAt time.Time
}

const keyColumns = "id, vendor, secret_enc, label, tag, created_at"

// AddKey seals the secret under the master key and inserts the row. label
// and tag map to NULL when empty.
func (s *Store) AddKey(ctx context.Context, vendor, secret, label, tag string) (*Key, error) {
	sealed, err := crypto.Encrypt(s.masterKey, []byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to seal secret: %w", err)
	}

	key := &Key{
		ID:        uuid.New().String(),
		Vendor:    vendor,
		Label:     nullable(label),
		Tag:       nullable(tag),
		CreatedAt: time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_keys (id, vendor, secret_enc, label, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key.ID, key.Vendor, sealed, key.Label, key.Tag, key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add key: %w", err)
	}
	return key, nil
}

// GetKey retrieves a key by id, sealed secret included.
func (s *Store) GetKey(ctx context.Context, id string) (*Key, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+keyColumns+" FROM provider_keys WHERE id = ?", id)
	return scanKey(row, id)
}

// ListKeys returns every key's metadata, newest first. The sealed secret is
// never selected here.
func (s *Store) ListKeys(ctx context.Context) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vendor, label, tag, created_at
		FROM provider_keys ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key := &Key{}
		if err := rows.Scan(&key.ID, &key.Vendor, &key.Label, &key.Tag, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// KeysByVendorAndTag returns the vendor's keys carrying exactly this tag,
// in insertion order.
func (s *Store) KeysByVendorAndTag(ctx context.Context, vendor, tag string) ([]*Key, error) {
	return s.queryKeys(ctx,
		"SELECT "+keyColumns+" FROM provider_keys WHERE vendor = ? AND tag = ? ORDER BY created_at, id",
		vendor, tag)
}

// DefaultKeysForVendor returns the vendor's untagged keys, in insertion
// order.
func (s *Store) DefaultKeysForVendor(ctx context.Context, vendor string) ([]*Key, error) {
	return s.queryKeys(ctx,
		"SELECT "+keyColumns+" FROM provider_keys WHERE vendor = ? AND tag IS NULL ORDER BY created_at, id",
		vendor)
}

// KeysByVendor returns all of the vendor's keys regardless of tag, in
// insertion order.
func (s *Store) KeysByVendor(ctx context.Context, vendor string) ([]*Key, error) {
	return s.queryKeys(ctx,
		"SELECT "+keyColumns+" FROM provider_keys WHERE vendor = ? ORDER BY created_at, id",
		vendor)
}

// DeleteKey removes the key row.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM provider_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return requireRow(result, "key "+id)
}

// KeyCount returns the number of stored keys.
func (s *Store) KeyCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM provider_keys").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count keys: %w", err)
	}
	return n, nil
}

// DecryptSecret opens the key's sealed secret. A wrong master key or a
// tampered blob returns an error matching crypto.ErrDecrypt; the caller
// must not surface the distinction to clients.
func (s *Store) DecryptSecret(key *Key) (string, error) {
	plaintext, err := crypto.Decrypt(s.masterKey, key.SecretEnc)
	if err != nil {
		return "", fmt.Errorf("key %s: %w", key.ID, err)
	}
	return string(plaintext), nil
}

func (s *Store) queryKeys(ctx context.Context, query string, args ...any) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key, err := scanKey(rows, "")
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

func scanKey(row scanner, id string) (*Key, error) {
	key := &Key{}
	err := row.Scan(&key.ID, &key.Vendor, &key.SecretEnc, &key.Label, &key.Tag, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("key %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan key: %w", err)
	}
	return key, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func requireRow(result sql.Result, desc string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", desc, ErrNotFound)
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
