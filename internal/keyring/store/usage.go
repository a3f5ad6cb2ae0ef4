package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageEntry is one proxied exchange: which bot reached which vendor with
// which key, and the status the bot ultimately saw.
type UsageEntry struct {
	ID        int64
	Timestamp time.Time
	BotID     string
	Vendor    string
	// KeyID is NULL when the vendor needs no credential.
	KeyID      sql.NullString
	StatusCode int
}

// AddUsage appends one usage row. keyID may be empty for credential-free
// vendors.
func (s *Store) AddUsage(ctx context.Context, botID, vendor, keyID string, statusCode int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (ts, bot_id, vendor, key_id, status_code)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now(), botID, vendor, nullable(keyID), statusCode)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ListUsage returns the most recent limit entries, newest first.
func (s *Store) ListUsage(ctx context.Context, limit int) ([]*UsageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, bot_id, vendor, key_id, status_code
		FROM usage_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var entries []*UsageEntry
	for rows.Next() {
		entry := &UsageEntry{}
		err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.BotID,
			&entry.Vendor, &entry.KeyID, &entry.StatusCode)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage entries: %w", err)
	}
	return entries, nil
}
