package model

import "time"

// Settings is the per-user integration record: the API key used to push
// notifications and the Discord chat (channel) id they are delivered to.
//
// Both fields are optional. A record is created the first time either one is
// set, so a fresh record may carry a ChatID and no APIKey or vice versa.
// nil means "never set"; the UI renders it as an empty field.
type Settings struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	APIKey    *string   `json:"apiKey,omitempty"`
	ChatID    *string   `json:"chatId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Value returns the dereferenced string or "" for nil.
func Value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
