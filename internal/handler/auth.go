package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/notify"
	"github.com/sakif/discord-notify/internal/service"
)

// AuthHandler manages sign-in and sign-out for browsers and for notifyctl.
//
// HANDLER RESPONSIBILITIES:
//   - HandleGitHubLogin    → redirect the browser to GitHub's authorization page
//   - HandleGitHubCallback → receive the code, exchange it for a user, issue JWT
//   - HandleLogin          → local login/password sign-in (form or JSON)
//   - HandleRegister       → create a local account and sign it in
//   - HandleLogout         → clear the JWT cookie and announce the sign-out
//   - HandleMe             → return the currently signed-in user
//
// Every sign-in and sign-out goes through service.AuthService, which
// publishes the change on the identity feed of the browser session. That is
// what lets other open tabs of the same browser follow along.
type AuthHandler struct {
	auth     *service.AuthService
	github   *auth.GitHubProvider
	browser  *auth.BrowserSessions
	tokenTTL time.Duration
	secure   bool
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler. github may be nil when GitHub
// sign-in is not configured.
func NewAuthHandler(
	authSvc *service.AuthService,
	github *auth.GitHubProvider,
	browser *auth.BrowserSessions,
	tokenTTL time.Duration,
	secure bool,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		auth:     authSvc,
		github:   github,
		browser:  browser,
		tokenTTL: tokenTTL,
		secure:   secure,
		logger:   logger,
	}
}

// loginResponse is what API clients get back from /auth/login and
// /auth/register. notifyctl stores both values: the token authenticates, and
// the session id (sent back as X-Notify-Session) joins the same identity
// feed as the browser session that signed in.
type loginResponse struct {
	Token     string      `json:"token"`
	SessionID string      `json:"sessionId"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *model.User `json:"user"`
}

type credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// HandleGitHubLogin redirects the user to GitHub's authorization page.
//
// HTTP: GET /auth/github/login
//
// CSRF PROTECTION VIA STATE:
// We generate a random state string and keep it in the signed browser
// session. When GitHub calls back, HandleGitHubCallback verifies the state
// matches. This proves the callback was initiated by this server, not a CSRF
// attacker.
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if !h.github.Configured() {
		http.NotFound(w, r)
		return
	}

	state := xid.New().String()
	if err := h.browser.SetOAuthState(w, r, state); err != nil {
		h.logger.Error("github login: saving state", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback completes the OAuth login flow.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check, single use)
//  2. Exchange the code for a GitHub user profile
//  3. Upsert the user and announce the sign-in (AuthService.LoginGitHub)
//  4. Issue a JWT access token stored in an HttpOnly cookie
//  5. Redirect to the settings page
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if !h.github.Configured() {
		http.NotFound(w, r)
		return
	}

	// --- Step 1: Validate CSRF state ---
	want, err := h.browser.PopOAuthState(w, r)
	if err != nil {
		h.logger.Error("github callback: reading state", slog.String("error", err.Error()))
	}
	if want == "" || r.URL.Query().Get("state") != want {
		h.logger.Warn("github callback: state mismatch")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// Check if GitHub sent an error (user denied authorization)
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("github callback: user denied authorization", slog.String("error", errParam))
		h.flash(w, r, notify.Error("Sign-in cancelled", "GitHub did not authorize the request."))
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	// --- Step 2: Exchange code for GitHub user profile ---
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}
	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("github callback: exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}

	// --- Step 3 & 4: sign in and set the cookie ---
	sid, err := h.browser.ID(w, r)
	if err != nil {
		h.logger.Error("github callback: browser session", slog.String("error", err.Error()))
	}
	res, err := h.auth.LoginGitHub(r.Context(), ghUser, sid)
	if err != nil {
		h.logger.Error("github callback: sign-in failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}
	h.setTokenCookie(w, res.Token)

	// --- Step 5: Redirect to the app ---
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

// HandleLogin signs in a local account.
//
// HTTP: POST /auth/login
// Body: {"login": "...", "password": "..."} or an HTML form with the same fields
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	h.signIn(w, r, h.auth.Login)
}

// HandleRegister creates a local account and signs it in.
//
// HTTP: POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	h.signIn(w, r, h.auth.Register)
}

type signInFunc func(ctx context.Context, login, password, sessionID string) (*service.AuthResult, error)

func (h *AuthHandler) signIn(w http.ResponseWriter, r *http.Request, fn signInFunc) {
	api := wantsJSON(r)

	var creds credentials
	if api {
		if err := decodeJSON(w, r, &creds); err != nil {
			writeError(w, err)
			return
		}
	} else {
		creds.Login = r.PostFormValue("login")
		creds.Password = r.PostFormValue("password")
	}

	sid, err := h.browser.ID(w, r)
	if err != nil {
		h.logger.Error("sign-in: browser session", slog.String("error", err.Error()))
	}

	res, err := fn(r.Context(), creds.Login, creds.Password, sid)
	if err != nil {
		if !isClientError(err) {
			h.logger.Error("sign-in failed", slog.String("error", err.Error()))
		}
		if api {
			writeError(w, err)
			return
		}
		h.flash(w, r, notify.Error("Could not sign in", userMessage(err)))
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	h.setTokenCookie(w, res.Token)
	if api {
		writeJSON(w, http.StatusOK, loginResponse{
			Token:     res.Token,
			SessionID: sid,
			ExpiresAt: time.Now().Add(h.tokenTTL).UTC(),
			User:      res.User,
		})
		return
	}
	http.Redirect(w, r, "/settings", http.StatusSeeOther)
}

// HandleLogout clears the JWT cookie and tells every socket of this browser
// session that nobody is signed in any more.
//
// HTTP: POST /auth/logout
//
// WHY POST AND NOT GET?
// Logout is a state-changing operation. Using GET would be vulnerable to
// CSRF and to browsers pre-fetching the URL. POST ensures intentional action.
//
// The token itself stays valid until it expires; without the cookie the
// browser can no longer send it, and open tabs drop to signed-out through
// the feed.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1, // tells the browser to delete the cookie immediately
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	if sid, ok := h.browser.Peek(r); ok {
		h.auth.Logout(r.Context(), sid)
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// HandleMe returns the currently authenticated user's profile.
//
// HTTP: GET /api/me
// Auth: Required (RequireAuth middleware sets userID in context)
//
// notifyctl uses this as its one-shot identity query.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	user, err := h.auth.GetUserByID(r.Context(), userID)
	if err != nil {
		// A valid token for a deleted user is as good as no token.
		if errors.Is(err, apperror.ErrNotFound) {
			writeError(w, apperror.Unauthorized("valid authentication required"))
			return
		}
		h.logger.Error("HandleMe: loading user", slog.String("userID", userID), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// setTokenCookie stores the JWT for browsers.
// HttpOnly = JavaScript cannot read this cookie (XSS protection).
// SameSite=Lax = cookie is sent on top-level navigations but not cross-site POSTs.
func (h *AuthHandler) setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.tokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) flash(w http.ResponseWriter, r *http.Request, n notify.Notice) {
	notify.NewFlashNotifier(h.browser, w, r, h.logger).Notify(n)
}

// isClientError reports whether err is the caller's fault (4xx), which is
// not worth an Error log line.
func isClientError(err error) bool {
	return errors.Is(err, apperror.ErrValidation) ||
		errors.Is(err, apperror.ErrUnauthorized) ||
		errors.Is(err, apperror.ErrConflict)
}

// userMessage is the text a notice shows for err. Internal details never
// reach the page.
func userMessage(err error) string {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && isClientError(err) {
		return appErr.Message
	}
	return "Please try again."
}
