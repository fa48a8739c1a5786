// Package model defines the data structures used throughout the application.
package model

import "time"

// Identity providers a User can come from.
const (
	ProviderGitHub = "github"
	ProviderLocal  = "local"
)

// User represents a registered user account.
//
// Users arrive either through GitHub OAuth or through a local login/password
// pair. (Provider, ProviderID) is UNIQUE in the database, so one GitHub
// account or one local login maps to exactly one row. We still generate our
// own internal string ID (xid) so settings rows never depend on a third
// party's numbering scheme.
//
// WHY PasswordHash HAS json:"-"?
// The hash is only ever compared server-side. Tagging it "-" means a User can
// be written straight into an API response without leaking it.
type User struct {
	ID           string    `json:"id"         db:"id"`
	Provider     string    `json:"provider"   db:"provider"`    // "github" or "local"
	ProviderID   string    `json:"providerId" db:"provider_id"` // GitHub numeric ID as text, or the local login
	Login        string    `json:"login"      db:"login"`
	Email        string    `json:"email"      db:"email"` // may be empty
	AvatarURL    string    `json:"avatarUrl"  db:"avatar_url"`
	PasswordHash string    `json:"-"          db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt"  db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt"  db:"updated_at"`
}

// Identity is the authenticated principal handed to consumers that only need
// to know "who": the settings façade keys records by ID, the UI shows Login.
type Identity struct {
	ID    string `json:"id"`
	Login string `json:"login"`
}

// Identity derives the principal for u.
func (u *User) Identity() *Identity {
	return &Identity{ID: u.ID, Login: u.Login}
}
