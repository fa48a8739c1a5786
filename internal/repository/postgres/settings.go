package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/repository"
)

var _ repository.SettingsRepository = (*DB)(nil)

// ListByUser returns all settings rows for userID, oldest first.
func (db *DB) ListByUser(ctx context.Context, userID string) ([]model.Settings, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, api_key, chat_id, created_at, updated_at
		 FROM settings WHERE user_id = $1
		 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing settings for %s: %w", userID, err)
	}
	defer rows.Close()

	out := []model.Settings{}
	for rows.Next() {
		var (
			s              model.Settings
			apiKey, chatID sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.UserID, &apiKey, &chatID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scanning settings row: %w", err)
		}
		s.APIKey = nullString(apiKey)
		s.ChatID = nullString(chatID)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating settings rows: %w", err)
	}
	return out, nil
}

// Insert creates a record; settings_user_id_key turns a duplicate into ErrConflict.
func (db *DB) Insert(ctx context.Context, s *model.Settings) error {
	now := time.Now()
	s.ID = xid.New().String()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO settings (id, user_id, api_key, chat_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.APIKey, s.ChatID, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("settings", s.UserID)
		}
		return fmt.Errorf("postgres: inserting settings for %s: %w", s.UserID, err)
	}
	return nil
}

// UpsertChatID sets chat_id for userID, creating the record when missing.
func (db *DB) UpsertChatID(ctx context.Context, userID, chatID string) error {
	now := time.Now()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO settings (id, user_id, chat_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT ON CONSTRAINT settings_user_id_key
		 DO UPDATE SET chat_id = EXCLUDED.chat_id, updated_at = EXCLUDED.updated_at`,
		xid.New().String(), userID, chatID, now,
	)
	if err != nil {
		return fmt.Errorf("postgres: upserting chat id for %s: %w", userID, err)
	}
	return nil
}

// SetAPIKey fills api_key on an existing record. The IS NULL guard makes a
// generated key write-once even when two requests race.
func (db *DB) SetAPIKey(ctx context.Context, userID, apiKey string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE settings SET api_key = $1, updated_at = $2
		 WHERE user_id = $3 AND api_key IS NULL`,
		apiKey, time.Now(), userID,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: setting api key for %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: reading rows affected: %w", err)
	}
	return n == 1, nil
}
