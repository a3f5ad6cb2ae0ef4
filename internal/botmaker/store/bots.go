package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/botmaker/common/db"
)

// Bot is the declarative record for one worker instance.
type Bot struct {
	ID          string
	Hostname    string
	Name        string
	AIProvider  string
	Model       string
	ChannelType string
	ContainerID sql.NullString
	Port        sql.NullInt64
	// GatewayToken is the bearer the worker's own control UI expects. It is
	// generated at create time and distinct from the keyring proxy bearer.
	GatewayToken string
	// Tags is the ordered routing-tag preference list, or nil when the bot
	// has none. Persisted as a JSON array in a nullable TEXT column.
	Tags         []string
	Status       string
	ImageVersion string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const botColumns = `id, hostname, name, ai_provider, model, channel_type,
	       container_id, port, gateway_token, tags, status, image_version,
	       created_at, updated_at`

// CreateBot inserts a new bot row. A hostname collision returns
// ErrDuplicateHostname.
func (s *Store) CreateBot(ctx context.Context, bot *Bot) error {
	bot.CreatedAt = time.Now()
	bot.UpdatedAt = bot.CreatedAt

	tags, err := encodeTags(bot.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bots (id, hostname, name, ai_provider, model, channel_type,
		                  container_id, port, gateway_token, tags, status, image_version,
		                  created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, bot.ID, bot.Hostname, bot.Name, bot.AIProvider, bot.Model, bot.ChannelType,
		bot.ContainerID, bot.Port, bot.GatewayToken, tags, bot.Status, bot.ImageVersion,
		bot.CreatedAt, bot.UpdatedAt)

	if db.IsUniqueViolation(err, "bots.hostname") {
		return fmt.Errorf("bot %s: %w", bot.Hostname, ErrDuplicateHostname)
	}
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

// GetBot retrieves a bot by its internal id.
func (s *Store) GetBot(ctx context.Context, id string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+botColumns+" FROM bots WHERE id = ?", id)
	return scanBot(row, id)
}

// GetBotByHostname retrieves a bot by its external hostname.
func (s *Store) GetBotByHostname(ctx context.Context, hostname string) (*Bot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+botColumns+" FROM bots WHERE hostname = ?", hostname)
	return scanBot(row, hostname)
}

// ListBots returns all bots, newest first.
func (s *Store) ListBots(ctx context.Context) ([]*Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+botColumns+" FROM bots ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows, "")
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

// UpdateBotStatus updates a bot's status.
func (s *Store) UpdateBotStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bots
		SET status = ?, updated_at = ?
		WHERE id = ?
	`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update bot status: %w", err)
	}
	return requireRow(result, id)
}

// UpdateBotHandle stores the container id and the image version the
// container was created from.
func (s *Store) UpdateBotHandle(ctx context.Context, id, containerID, imageVersion string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bots
		SET container_id = ?, image_version = ?, updated_at = ?
		WHERE id = ?
	`, containerID, imageVersion, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update bot handle: %w", err)
	}
	return requireRow(result, id)
}

// SyncBotObserved writes the status and container id the reconciler derived
// from observed runtime state. Both columns move in one statement so a
// crash cannot leave them disagreeing.
func (s *Store) SyncBotObserved(ctx context.Context, id, status string, containerID sql.NullString) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bots
		SET status = ?, container_id = ?, updated_at = ?
		WHERE id = ?
	`, status, containerID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to sync bot state: %w", err)
	}
	return requireRow(result, id)
}

// DeleteBot removes the bot row. Deleting the row also releases the bot's
// port for reallocation.
func (s *Store) DeleteBot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM bots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	return requireRow(result, id)
}

// NextFreePort returns the smallest port >= start that no bot currently
// holds. Deleted bots' ports are reused (gap-aware).
func (s *Store) NextFreePort(ctx context.Context, start int) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT port FROM bots WHERE port IS NOT NULL AND port >= ? ORDER BY port", start)
	if err != nil {
		return 0, fmt.Errorf("failed to scan allocated ports: %w", err)
	}
	defer rows.Close()

	candidate := start
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return 0, fmt.Errorf("failed to scan port: %w", err)
		}
		if port > candidate {
			break
		}
		if port == candidate {
			candidate++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating ports: %w", err)
	}

	if candidate > maxPort {
		return 0, ErrPortsExhausted
	}
	return candidate, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBot(row scanner, key string) (*Bot, error) {
	bot := &Bot{}
	var tags sql.NullString
	err := row.Scan(
		&bot.ID, &bot.Hostname, &bot.Name, &bot.AIProvider, &bot.Model,
		&bot.ChannelType, &bot.ContainerID, &bot.Port, &bot.GatewayToken,
		&tags, &bot.Status, &bot.ImageVersion, &bot.CreatedAt, &bot.UpdatedAt,
	)
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

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return nil
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
