// Package client talks to the discord-notify HTTP API. notifyctl is built on
// it; anything else that wants to read or change settings from outside a
// browser can use it too.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/notify"
	"github.com/sakif/discord-notify/internal/settings"
)

const defaultTimeout = 15 * time.Second

// Client is a small JSON client for the /auth and /api routes.
//
// CREDENTIALS:
// The token goes out as "Authorization: Bearer <token>", the session id as
// the X-Notify-Session header. The session id is what ties this client to
// an identity feed on the server; Login returns one and callers persist it
// alongside the token.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	token     string
	sessionID string
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSessionID sets the session id sent as X-Notify-Session.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// WithHTTPClient replaces the default http.Client (15s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for request tracing at Debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parsing server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: server url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token returns the bearer token in use.
func (c *Client) Token() string { return c.token }

// SessionID returns the session id in use.
func (c *Client) SessionID() string { return c.sessionID }

// LoginResult is what the server returns on sign-in.
type LoginResult struct {
	Token     string      `json:"token"`
	SessionID string      `json:"sessionId"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *model.User `json:"user"`
}

// SettingsResult is the body of every /api/settings response.
type SettingsResult struct {
	Settings settings.Values `json:"settings"`
	Notices  []notify.Notice `json:"notices"`
}

// Login signs in a local account. On success the client adopts the returned
// token and session id.
func (c *Client) Login(ctx context.Context, login, password string) (*LoginResult, error) {
	return c.signIn(ctx, "/auth/login", login, password)
}

// Register creates a local account and signs it in.
func (c *Client) Register(ctx context.Context, login, password string) (*LoginResult, error) {
	return c.signIn(ctx, "/auth/register", login, password)
}

func (c *Client) signIn(ctx context.Context, path, login, password string) (*LoginResult, error) {
	body := map[string]string{"login": login, "password": password}
	var res LoginResult
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return nil, err
	}
	c.token = res.Token
	c.sessionID = res.SessionID
	return &res, nil
}

// Logout announces a sign-out for the client's session. The token stays
// valid on the server until it expires, so callers should forget it too.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// Me returns the signed-in user. It fails with an error matching
// apperror.ErrUnauthorized when nobody is signed in.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Settings fetches the user's settings record.
func (c *Client) Settings(ctx context.Context) (*SettingsResult, error) {
	var res SettingsResult
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateKey asks the server for the user's API key, generating one if there
// is none yet.
func (c *Client) CreateKey(ctx context.Context) (*SettingsResult, error) {
	var res SettingsResult
	if err := c.do(ctx, http.MethodPost, "/api/settings/key", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetChatID stores the Discord chat id notifications are sent to.
func (c *Client) SetChatID(ctx context.Context, chatID string) (*SettingsResult, error) {
	var res SettingsResult
	body := map[string]string{"chatId": chatID}
	if err := c.do(ctx, http.MethodPut, "/api/settings/chat-id", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// header adds the credentials to h.
func (c *Client) header(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.sessionID != "" {
		h.Set(auth.SessionHeader, c.sessionID)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("client: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.header(req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decoding %s response: %w", path, err)
	}
	return nil
}

// APIError is a non-2xx response. It unwraps to the apperror sentinel that
// matches the status code, so callers can use errors.Is(err,
// apperror.ErrUnauthorized) and friends.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"error"`
	Message string          `json:"message"`
	Field   string          `json:"field,omitempty"`
	Notices []notify.Notice `json:"notices,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return apperror.ErrValidation
	case http.StatusUnauthorized:
		return apperror.ErrUnauthorized
	case http.StatusForbidden:
		return apperror.ErrForbidden
	case http.StatusNotFound:
		return apperror.ErrNotFound
	case http.StatusConflict:
		return apperror.ErrConflict
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	// Bodies that are not our JSON error shape (proxies, 429 from the
	// limiter) still produce a usable APIError.
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(b, apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(b))
	} else if apiErr.Message == "" {
		apiErr.Message = apiErr.Code
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}
