package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/botmaker/common/crypto"
	"github.com/openclaw/botmaker/common/db"
)

// ProxyBot is one bot allowed through the data plane.
type ProxyBot struct {
	// ID mirrors the control plane's bot id.
	ID       string
	Hostname string
	// TokenHash is the SHA-256 hex digest of the bot's bearer. The bearer
	// itself exists only in RegisterBot's return value.
	TokenHash string
	// Tags is the ordered routing-tag preference list, or nil when the bot
	// has none. Persisted as a JSON array in a nullable TEXT column.
	Tags      []string
	CreatedAt time.Time
}

const proxyBotColumns = "id, hostname, token_hash, tags, created_at"

// RegisterBot mints a fresh bearer, stores its hash, and returns the
// bearer. This is the only time the plaintext token is available; an id
// collision returns ErrDuplicateBot.
func (s *Store) RegisterBot(ctx context.Context, id, hostname string, tags []string) (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}

	encoded, err := encodeTags(tags)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proxy_bots (id, hostname, token_hash, tags, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, hostname, crypto.HashToken(token), encoded, time.Now())

	if db.IsUniqueViolation(err, "proxy_bots.id") {
		return "", fmt.Errorf("bot %s: %w", id, ErrDuplicateBot)
	}
	if err != nil {
		return "", fmt.Errorf("failed to register bot: %w", err)
	}
	return token, nil
}

// RevokeBot removes the bot's registration. Requests bearing its token are
// rejected from the next lookup on.
func (s *Store) RevokeBot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM proxy_bots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to revoke bot: %w", err)
	}
	return requireRow(result, "bot "+id)
}

// BotByTokenHash retrieves the bot whose bearer hashes to hash. The hash is
// a digest, not a credential, so it may appear in errors and logs.
func (s *Store) BotByTokenHash(ctx context.Context, hash string) (*ProxyBot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+proxyBotColumns+" FROM proxy_bots WHERE token_hash = ?", hash)
	return scanProxyBot(row, hash)
}

// GetBot retrieves a bot by id.
func (s *Store) GetBot(ctx context.Context, id string) (*ProxyBot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+proxyBotColumns+" FROM proxy_bots WHERE id = ?", id)
	return scanProxyBot(row, id)
}

// ListBots returns all registered bots, newest first.
func (s *Store) ListBots(ctx context.Context) ([]*ProxyBot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+proxyBotColumns+" FROM proxy_bots ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*ProxyBot
	for rows.Next() {
		bot, err := scanProxyBot(rows, "")
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bots: %w", err)
	}
	return bots, nil
}

// BotCount returns the number of registered bots.
func (s *Store) BotCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proxy_bots").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bots: %w", err)
	}
	return n, nil
}

func scanProxyBot(row scanner, key string) (*ProxyBot, error) {
	bot := &ProxyBot{}
	var tags sql.NullString
	err := row.Scan(&bot.ID, &bot.Hostname, &bot.TokenHash, &tags, &bot.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bot %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bot: %w", err)
	}

	bot.Tags, err = decodeTags(tags)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

func encodeTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode tags: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeTags(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return tags, nil
}
