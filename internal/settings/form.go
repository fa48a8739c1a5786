// Package settings is the per-UI-session view of a user's settings record:
// a cached copy of the API key and chat id plus the three actions the
// settings screen offers, each reporting its outcome as a notice.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/notify"
)

// ErrNoIdentity is returned when an action runs before anyone is signed in.
var ErrNoIdentity = errors.New("settings: no signed-in identity")

// Store is the record store as the form sees it (service.SettingsService).
type Store interface {
	Get(ctx context.Context, userID string) (*model.Settings, error)
	CreateKey(ctx context.Context, userID string) (*model.Settings, bool, error)
	UpdateChatID(ctx context.Context, userID, chatID string) (*model.Settings, error)
}

// Values is what the screen displays. nil means "not set".
type Values struct {
	APIKey *string `json:"apiKey,omitempty"`
	ChatID *string `json:"chatId,omitempty"`
}

// Form caches Values for one UI session.
//
// WRITE THEN DISPLAY:
// A field only changes after the store has accepted the write, so a failed
// action never needs a rollback. Every action ends in exactly one notice.
type Form struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	values Values
}

// NewForm builds an empty form; call Fetch once the identity is known.
func NewForm(store Store, notifier notify.Notifier, logger *slog.Logger) *Form {
	return &Form{store: store, notifier: notifier, logger: logger}
}

// Values returns a copy of the displayed values.
func (f *Form) Values() Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Values{APIKey: clone(f.values.APIKey), ChatID: clone(f.values.ChatID)}
}

// Fetch loads the identity's record. On failure the previous values stay on
// screen and a destructive notice is raised. Success is silent.
func (f *Form) Fetch(ctx context.Context, id *model.Identity) error {
	if id == nil {
		return ErrNoIdentity
	}
	rec, err := f.store.Get(ctx, id.ID)
	if err != nil {
		f.logger.Error("loading settings", slog.String("userID", id.ID), slog.String("error", err.Error()))
		f.notifier.Notify(notify.Error("Could not load settings", "Please refresh the page to try again."))
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rec == nil {
		f.values = Values{}
		return nil
	}
	f.values = Values{APIKey: clone(rec.APIKey), ChatID: clone(rec.ChatID)}
	return nil
}

// CreateKey asks the store for the identity's API key, generating one if
// there is none, and displays it.
func (f *Form) CreateKey(ctx context.Context, id *model.Identity) error {
	if id == nil {
		return ErrNoIdentity
	}
	rec, created, err := f.store.CreateKey(ctx, id.ID)
	if err != nil {
		f.logger.Error("creating api key", slog.String("userID", id.ID), slog.String("error", err.Error()))
		f.notifier.Notify(notify.Error("Could not generate API key", "Please try again."))
		return err
	}

	f.mu.Lock()
	f.values.APIKey = clone(rec.APIKey)
	f.mu.Unlock()

	if created {
		f.notifier.Notify(notify.Info("API key generated", "Copy it now and keep it somewhere safe."))
	} else {
		f.notifier.Notify(notify.Info("API key already exists", "Your existing key was kept."))
	}
	return nil
}

// UpdateChatID stores a new chat id and displays it. On failure the displayed
// chat id is left as it was.
func (f *Form) UpdateChatID(ctx context.Context, id *model.Identity, value string) error {
	if id == nil {
		return ErrNoIdentity
	}
	rec, err := f.store.UpdateChatID(ctx, id.ID, value)
	if err != nil {
		msg := "Please try again."
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && errors.Is(err, apperror.ErrValidation) {
			msg = appErr.Message
		} else {
			f.logger.Error("updating chat id", slog.String("userID", id.ID), slog.String("error", err.Error()))
		}
		f.notifier.Notify(notify.Error("Could not save chat id", msg))
		return err
	}

	f.mu.Lock()
	f.values.ChatID = clone(rec.ChatID)
	f.mu.Unlock()

	f.notifier.Notify(notify.Info("Chat id saved", "Notifications will be sent to chat "+model.Value(rec.ChatID)+"."))
	return nil
}

func clone(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
