package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/repository"
)

var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, provider, provider_id, login, email, avatar_url, password_hash, created_at, updated_at`

// Upsert inserts or refreshes a user keyed by (provider, provider_id).
// ON CONFLICT keeps the existing id; RETURNING gives it back to the caller.
func (db *DB) Upsert(ctx context.Context, user *model.User) error {
	now := time.Now()
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (provider, provider_id) DO UPDATE
		   SET login = EXCLUDED.login, email = EXCLUDED.email,
		       avatar_url = EXCLUDED.avatar_url, updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		xid.New().String(), user.Provider, user.ProviderID, user.Login,
		user.Email, user.AvatarURL, user.PasswordHash, now,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upserting user %s/%s: %w", user.Provider, user.ProviderID, err)
	}
	return nil
}

// CreateLocal inserts a local login/password user; a taken login is ErrConflict.
func (db *DB) CreateLocal(ctx context.Context, user *model.User) error {
	now := time.Now()
	user.ID = xid.New().String()
	user.Provider = model.ProviderLocal
	user.ProviderID = user.Login
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.Provider, user.ProviderID, user.Login, user.Email,
		user.AvatarURL, user.PasswordHash, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.Login)
		}
		return fmt.Errorf("postgres: inserting local user %s: %w", user.Login, err)
	}
	return nil
}

// GetUserByID returns apperror.ErrNotFound for an unknown id.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting user %s: %w", id, err)
	}
	return u, nil
}

// GetByLogin returns the local user with the given login.
func (db *DB) GetByLogin(ctx context.Context, login string) (*model.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE provider = $1 AND provider_id = $2`,
		model.ProviderLocal, login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("user", login)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: getting user by login %s: %w", login, err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Provider, &u.ProviderID, &u.Login, &u.Email,
		&u.AvatarURL, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
