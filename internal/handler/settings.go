package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/notify"
	"github.com/sakif/discord-notify/internal/settings"
)

// UserGetter loads the signed-in user for the page header.
type UserGetter interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// KeyLimiter throttles API key generation per user (middleware.RateLimiter).
type KeyLimiter interface {
	Allow(userID string) bool
}

// SettingsHandler serves the settings screen and its JSON twin.
//
// TWO RENDERINGS, ONE FORM:
// Both the HTML page and the /api/settings routes drive a settings.Form.
// Only the notifier differs:
//   - HTML: a FlashNotifier, so notices survive the post-redirect-get
//   - JSON: a notify.Recorder, whose notices go into the response body
type SettingsHandler struct {
	store   settings.Store
	users   UserGetter
	limiter KeyLimiter
	browser *auth.BrowserSessions
	pages   *Renderer
	logger  *slog.Logger
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(
	store settings.Store,
	users UserGetter,
	limiter KeyLimiter,
	browser *auth.BrowserSessions,
	pages *Renderer,
	logger *slog.Logger,
) *SettingsHandler {
	return &SettingsHandler{
		store:   store,
		users:   users,
		limiter: limiter,
		browser: browser,
		pages:   pages,
		logger:  logger,
	}
}

// settingsResponse is the body of every /api/settings response.
type settingsResponse struct {
	Settings settings.Values `json:"settings"`
	Notices  []notify.Notice `json:"notices"`
}

// chatIDRequest is the body of PUT /api/settings/chat-id.
type chatIDRequest struct {
	ChatID string `json:"chatId"`
}

// =========================================================================
// HTML
// =========================================================================

// HandlePage renders the settings form for the signed-in user, or sends
// anonymous visitors to /login.
//
// HTTP: GET /settings (OptionalAuth)
func (h *SettingsHandler) HandlePage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.pageUser(w, r)
	if !ok {
		return
	}

	// Make sure the browser has a session id before the page opens
	// /ws/session, which cannot set cookies.
	if _, err := h.browser.ID(w, r); err != nil {
		h.logger.Warn("assigning browser session", slog.String("error", err.Error()))
	}
	notices, err := notify.PopFlashes(h.browser, w, r)
	if err != nil {
		h.logger.Warn("reading flash notices", slog.String("error", err.Error()))
	}

	rec := &notify.Recorder{}
	form := settings.NewForm(h.store, rec, h.logger)
	_ = form.Fetch(r.Context(), user.Identity()) // a failure is already a notice

	h.pages.Render(w, http.StatusOK, "settings.html", pageData{
		Title:   "Settings · discord-notify",
		User:    user,
		Values:  form.Values(),
		Notices: append(notices, rec.Notices()...),
	})
}

// HandleUpdateChatID saves the chat id from the form and redirects back.
//
// HTTP: POST /settings/chat-id (OptionalAuth)
func (h *SettingsHandler) HandleUpdateChatID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.pageUser(w, r)
	if !ok {
		return
	}
	form := settings.NewForm(h.store, notify.NewFlashNotifier(h.browser, w, r, h.logger), h.logger)
	_ = form.UpdateChatID(r.Context(), user.Identity(), r.PostFormValue("chatId"))
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

// HandleCreateKey generates the API key and redirects back.
//
// HTTP: POST /settings/key (OptionalAuth)
func (h *SettingsHandler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	user, ok := h.pageUser(w, r)
	if !ok {
		return
	}
	flash := notify.NewFlashNotifier(h.browser, w, r, h.logger)
	if !h.limiter.Allow(user.ID) {
		flash.Notify(notify.Error("Too many requests", "Please wait a moment before trying again."))
		http.Redirect(w, r, "/settings", http.StatusSeeOther)
		return
	}
	form := settings.NewForm(h.store, flash, h.logger)
	_ = form.CreateKey(r.Context(), user.Identity())
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

// pageUser resolves the signed-in user for an HTML route. When there is
// none it redirects to /login and returns false.
func (h *SettingsHandler) pageUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return nil, false
	}
	user, err := h.users.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return nil, false
		}
		h.logger.Error("loading user for settings page",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	return user, true
}

// =========================================================================
// JSON
// =========================================================================

// HandleGet returns the stored settings.
//
// HTTP: GET /api/settings (RequireAuth)
func (h *SettingsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	form, rec, id := h.apiForm(r)
	if err := form.Fetch(r.Context(), id); err != nil {
		writeErrorWithNotices(w, err, rec.Notices())
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: form.Values(), Notices: rec.Notices()})
}

// HandleCreateKeyAPI returns the user's API key, generating it on first use.
//
// HTTP: POST /api/settings/key (RequireAuth, rate limited)
func (h *SettingsHandler) HandleCreateKeyAPI(w http.ResponseWriter, r *http.Request) {
	form, rec, id := h.apiForm(r)
	if err := form.Fetch(r.Context(), id); err != nil {
		writeErrorWithNotices(w, err, rec.Notices())
		return
	}
	if err := form.CreateKey(r.Context(), id); err != nil {
		writeErrorWithNotices(w, err, rec.Notices())
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: form.Values(), Notices: rec.Notices()})
}

// HandleUpdateChatIDAPI stores a new chat id.
//
// HTTP: PUT /api/settings/chat-id (RequireAuth)
// Body: {"chatId": "123456789012345678"}
func (h *SettingsHandler) HandleUpdateChatIDAPI(w http.ResponseWriter, r *http.Request) {
	var req chatIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	form, rec, id := h.apiForm(r)
	if err := form.Fetch(r.Context(), id); err != nil {
		writeErrorWithNotices(w, err, rec.Notices())
		return
	}
	if err := form.UpdateChatID(r.Context(), id, req.ChatID); err != nil {
		writeErrorWithNotices(w, err, rec.Notices())
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: form.Values(), Notices: rec.Notices()})
}

// apiForm builds a form for the authenticated API caller. The form only
// needs the identity's id, which RequireAuth has already put in the context.
func (h *SettingsHandler) apiForm(r *http.Request) (*settings.Form, *notify.Recorder, *model.Identity) {
	rec := &notify.Recorder{}
	var id *model.Identity
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		id = &model.Identity{ID: userID}
	}
	return settings.NewForm(h.store, rec, h.logger), rec, id
}
