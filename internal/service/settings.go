package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/repository"
)

const (
	// APIKeyPrefix marks keys issued by this service so they are easy to spot
	// in logs and secret scanners.
	APIKeyPrefix = "dn_"
	apiKeyBytes  = 32

	maxChatIDLength = 32
)

// Settings operation outcomes, as reported to a SettingsRecorder.
const (
	OutcomeCreated  = "created"
	OutcomeExisting = "existing"
	OutcomeUpdated  = "updated"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
	OutcomeAnomaly  = "anomaly"
)

// SettingsRecorder counts settings operations by outcome.
type SettingsRecorder interface {
	ObserveSettings(op, outcome string)
}

type nopSettingsRecorder struct{}

func (nopSettingsRecorder) ObserveSettings(string, string) {}

// KeyGenerator returns a fresh API key.
type KeyGenerator func() (string, error)

// GenerateAPIKey returns "dn_" followed by 32 bytes from crypto/rand,
// base64url-encoded without padding (43 characters).
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("service/settings: reading random bytes: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateChatID checks a Discord chat/channel id: non-empty, ASCII digits
// only, at most 32 characters. Leading and trailing spaces are ignored.
func ValidateChatID(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	switch {
	case v == "":
		return "", apperror.ValidationFailed("chatId", "chat id is required")
	case len(v) > maxChatIDLength:
		return "", apperror.ValidationFailed("chatId",
			fmt.Sprintf("chat id must be at most %d digits", maxChatIDLength))
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return "", apperror.ValidationFailed("chatId", "chat id must contain only digits")
		}
	}
	return v, nil
}

// SettingsOption configures a SettingsService.
type SettingsOption func(*SettingsService)

// WithKeyGenerator replaces GenerateAPIKey (tests).
func WithKeyGenerator(gen KeyGenerator) SettingsOption {
	return func(s *SettingsService) { s.newKey = gen }
}

// WithSettingsRecorder sets the metrics recorder.
func WithSettingsRecorder(r SettingsRecorder) SettingsOption {
	return func(s *SettingsService) { s.recorder = r }
}

// SettingsService owns the rules around a user's settings record.
//
// ONE RECORD PER USER:
// The store enforces UNIQUE(user_id). CreateKey still looks before it
// inserts, and when the insert loses a race anyway (ErrConflict) it reads
// the record the winner wrote instead of failing. A key, once stored, is
// never replaced.
type SettingsService struct {
	repo     repository.SettingsRepository
	newKey   KeyGenerator
	recorder SettingsRecorder
	logger   *slog.Logger
}

// NewSettingsService wires the service.
func NewSettingsService(repo repository.SettingsRepository, logger *slog.Logger, opts ...SettingsOption) *SettingsService {
	s := &SettingsService{
		repo:     repo,
		newKey:   GenerateAPIKey,
		recorder: nopSettingsRecorder{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the user's record, or nil if there is none.
//
// More than one row is a data anomaly (rows written before the unique
// constraint existed). The oldest row wins; the anomaly is logged and counted
// but not reported to the user.
func (s *SettingsService) Get(ctx context.Context, userID string) (*model.Settings, error) {
	if userID == "" {
		return nil, fmt.Errorf("service/settings: user ID must not be empty")
	}
	rows, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		s.recorder.ObserveSettings("get", OutcomeError)
		return nil, fmt.Errorf("service/settings: fetching settings for %s: %w", userID, err)
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
	default:
		s.recorder.ObserveSettings("get", OutcomeAnomaly)
		s.logger.Warn("multiple settings records for one user, using the oldest",
			slog.String("userID", userID),
			slog.Int("count", len(rows)),
		)
	}
	rec := rows[0]
	return &rec, nil
}

// CreateKey makes sure the user has an API key and returns the record.
// created is false when a key already existed; that key is returned as-is.
func (s *SettingsService) CreateKey(ctx context.Context, userID string) (rec *model.Settings, created bool, err error) {
	rec, err = s.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if rec != nil && rec.APIKey != nil {
		s.recorder.ObserveSettings("create_key", OutcomeExisting)
		return rec, false, nil
	}

	key, err := s.newKey()
	if err != nil {
		s.recorder.ObserveSettings("create_key", OutcomeError)
		return nil, false, fmt.Errorf("service/settings: generating key: %w", err)
	}

	if rec == nil {
		rec = &model.Settings{UserID: userID, APIKey: &key}
		err = s.repo.Insert(ctx, rec)
		if err == nil {
			s.recorded(userID, "inserted")
			return rec, true, nil
		}
		if !errors.Is(err, apperror.ErrConflict) {
			s.recorder.ObserveSettings("create_key", OutcomeError)
			return nil, false, fmt.Errorf("service/settings: inserting settings for %s: %w", userID, err)
		}
		// Another request created the record between our read and insert.
		s.logger.Info("settings insert lost a race, reading existing record",
			slog.String("userID", userID),
		)
	}

	changed, err := s.repo.SetAPIKey(ctx, userID, key)
	if err != nil {
		s.recorder.ObserveSettings("create_key", OutcomeError)
		return nil, false, fmt.Errorf("service/settings: storing key for %s: %w", userID, err)
	}

	rec, err = s.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil || rec.APIKey == nil {
		s.recorder.ObserveSettings("create_key", OutcomeError)
		return nil, false, fmt.Errorf("service/settings: key for %s vanished after write", userID)
	}
	if changed {
		s.recorded(userID, "set on existing record")
		return rec, true, nil
	}
	s.recorder.ObserveSettings("create_key", OutcomeExisting)
	return rec, false, nil
}

// UpdateChatID validates chatID and stores it on the user's record, creating
// the record if needed. Returns the record as stored; if it cannot be read
// back, the returned record carries only the new chat id.
func (s *SettingsService) UpdateChatID(ctx context.Context, userID, chatID string) (*model.Settings, error) {
	if userID == "" {
		return nil, fmt.Errorf("service/settings: user ID must not be empty")
	}
	v, err := ValidateChatID(chatID)
	if err != nil {
		s.recorder.ObserveSettings("update_chat_id", OutcomeInvalid)
		return nil, err
	}

	if err := s.repo.UpsertChatID(ctx, userID, v); err != nil {
		s.recorder.ObserveSettings("update_chat_id", OutcomeError)
		return nil, fmt.Errorf("service/settings: updating chat id for %s: %w", userID, err)
	}
	s.recorder.ObserveSettings("update_chat_id", OutcomeUpdated)
	s.logger.Info("chat id updated", slog.String("userID", userID))

	// The write already succeeded. A failed read-back must not turn that
	// into an error, so fall back to what was just stored.
	rec, err := s.Get(ctx, userID)
	if err != nil || rec == nil {
		attrs := []any{slog.String("userID", userID)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.logger.Warn("could not re-read settings after chat id update", attrs...)
		return &model.Settings{UserID: userID, ChatID: &v}, nil
	}
	return rec, nil
}

func (s *SettingsService) recorded(userID, how string) {
	s.recorder.ObserveSettings("create_key", OutcomeCreated)
	s.logger.Info("api key created",
		slog.String("userID", userID),
		slog.String("how", how),
	)
}
