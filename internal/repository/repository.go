package repository

import (
	"context"

	"github.com/sakif/discord-notify/internal/model"
)

// UserRepository persists accounts from every identity provider.
type UserRepository interface {
	// Upsert inserts or refreshes a user keyed by (Provider, ProviderID).
	// On return user.ID and the timestamps are populated.
	Upsert(ctx context.Context, user *model.User) error
	// CreateLocal inserts a local (login/password) user.
	// Returns apperror.ErrConflict if the login is taken.
	CreateLocal(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// GetByLogin looks up a local user by login.
	GetByLogin(ctx context.Context, login string) (*model.User, error)
}

// SettingsRepository is the record store for per-user integration settings.
//
// The store enforces UNIQUE(user_id); callers must not assume ListByUser
// returns at most one row though, because records written before the
// constraint existed (or by other tools) may still be duplicated.
type SettingsRepository interface {
	// ListByUser returns every record for userID, oldest first.
	ListByUser(ctx context.Context, userID string) ([]model.Settings, error)
	// Insert creates a record. Returns apperror.ErrConflict when a record for
	// settings.UserID already exists.
	Insert(ctx context.Context, settings *model.Settings) error
	// SetAPIKey stores apiKey on the user's existing record only if it has no
	// key yet. It reports whether a row was changed; false means there is no
	// record or the key was already set.
	SetAPIKey(ctx context.Context, userID, apiKey string) (bool, error)
	// UpsertChatID sets chat_id on the user's record, creating the record if
	// there is none yet.
	UpsertChatID(ctx context.Context, userID, chatID string) error
}
