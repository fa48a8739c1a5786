package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

// SessionHeader lets non-browser clients (notifyctl) name their session
// explicitly instead of carrying the cookie.
const SessionHeader = "X-Notify-Session"

const (
	browserSessionName = "notify_session"
	keySessionID       = "sid"
	keyOAuthState      = "oauth_state"
)

// BrowserSessions wraps a gorilla/sessions cookie store.
//
// WHAT LIVES HERE (and not in the JWT)?
//   - sid: a random UUID naming this browser. The identity feed is keyed by
//     it, so signing in or out in one tab reaches every /ws/session socket
//     opened by the same browser, and nobody else's.
//   - the OAuth state value between /auth/github/login and the callback.
//   - flash notices for the post-redirect-get settings forms.
//
// The JWT cookie answers "who"; this cookie answers "which browser". The sid
// survives logout so the logout event reaches the sockets still listening.
type BrowserSessions struct {
	store sessions.Store
}

// NewBrowserSessions creates the store. secure should be true whenever the
// site is served over HTTPS.
func NewBrowserSessions(secret []byte, secure bool, maxAge time.Duration) *BrowserSessions {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &BrowserSessions{store: store}
}

// get never fails: a cookie that no longer decodes (rotated secret, tampering)
// is replaced by a fresh session.
func (b *BrowserSessions) get(r *http.Request) *sessions.Session {
	s, err := b.store.Get(r, browserSessionName)
	if err != nil {
		s, _ = b.store.New(r, browserSessionName)
	}
	return s
}

// ID returns the session id for r, assigning and saving a new one if the
// browser has none. An explicit SessionHeader holding a UUID wins.
func (b *BrowserSessions) ID(w http.ResponseWriter, r *http.Request) (string, error) {
	if id, ok := headerSessionID(r); ok {
		return id, nil
	}
	s := b.get(r)
	if id, ok := s.Values[keySessionID].(string); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	s.Values[keySessionID] = id
	if err := s.Save(r, w); err != nil {
		return "", fmt.Errorf("auth: saving browser session: %w", err)
	}
	return id, nil
}

// Peek returns the session id without creating one. The websocket handler
// uses it because headers can no longer be written once the upgrade starts.
func (b *BrowserSessions) Peek(r *http.Request) (string, bool) {
	if id, ok := headerSessionID(r); ok {
		return id, true
	}
	id, ok := b.get(r).Values[keySessionID].(string)
	return id, ok && id != ""
}

// SetOAuthState remembers the CSRF state for the GitHub callback.
func (b *BrowserSessions) SetOAuthState(w http.ResponseWriter, r *http.Request, state string) error {
	s := b.get(r)
	s.Values[keyOAuthState] = state
	return s.Save(r, w)
}

// PopOAuthState returns and clears the stored OAuth state ("" if none).
func (b *BrowserSessions) PopOAuthState(w http.ResponseWriter, r *http.Request) (string, error) {
	s := b.get(r)
	state, _ := s.Values[keyOAuthState].(string)
	delete(s.Values, keyOAuthState)
	return state, s.Save(r, w)
}

// AddFlash queues a value for the next page render.
func (b *BrowserSessions) AddFlash(w http.ResponseWriter, r *http.Request, value string) error {
	s := b.get(r)
	s.AddFlash(value)
	return s.Save(r, w)
}

// Flashes drains the queued values.
func (b *BrowserSessions) Flashes(w http.ResponseWriter, r *http.Request) ([]string, error) {
	s := b.get(r)
	raw := s.Flashes()
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out, s.Save(r, w)
}

func headerSessionID(r *http.Request) (string, bool) {
	h := r.Header.Get(SessionHeader)
	if h == "" {
		return "", false
	}
	id, err := uuid.Parse(h)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
