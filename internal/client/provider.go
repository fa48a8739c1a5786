package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/session"
)

// ErrNoSession is returned by Subscribe when the client has no session id,
// so there is no feed on the server to follow.
var ErrNoSession = errors.New("client: no session id, sign in first")

// Provider is a session.Provider backed by a remote server:
//
//	one-shot query → GET /api/me (401 means nobody is signed in)
//	push feed      → websocket GET /ws/session
//
// Feeding it to session.New gives the CLI the same ordering guarantees the
// server gives each browser tab.
type Provider struct {
	client       *Client
	dialer       *websocket.Dialer
	logger       *slog.Logger
	onDisconnect func(error)
}

var _ session.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithDisconnect registers fn to run when the feed connection drops without
// Cancel having been called. The subscription does not reconnect.
func WithDisconnect(fn func(error)) ProviderOption {
	return func(p *Provider) { p.onDisconnect = fn }
}

// WithProviderLogger sets the logger for feed diagnostics.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider builds a Provider over c's server and credentials.
func NewProvider(c *Client, opts ...ProviderOption) *Provider {
	p := &Provider{
		client: c,
		dialer: websocket.DefaultDialer,
		logger: c.logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CurrentIdentity asks the server who the client's token belongs to.
func (p *Provider) CurrentIdentity(ctx context.Context) (*model.Identity, error) {
	if p.client.token == "" {
		return nil, nil
	}
	u, err := p.client.Me(ctx)
	if err != nil {
		if errors.Is(err, apperror.ErrUnauthorized) {
			return nil, nil
		}
		return nil, err
	}
	return u.Identity(), nil
}

// Subscribe opens the session websocket and calls fn for every state the
// server pushes: the identity when signed in, nil when signed out.
func (p *Provider) Subscribe(ctx context.Context, fn func(*model.Identity)) (session.Subscription, error) {
	if p.client.sessionID == "" {
		return nil, ErrNoSession
	}

	h := http.Header{}
	p.client.header(h)
	conn, _, err := p.dialer.DialContext(ctx, p.client.wsURL("/ws/session"), h)
	if err != nil {
		return nil, fmt.Errorf("client: opening session feed: %w", err)
	}

	sub := &wsSub{conn: conn, done: make(chan struct{})}
	go sub.readLoop(fn, p.logger, p.onDisconnect)
	return sub, nil
}

// wsURL maps http(s)://host/prefix to ws(s)://host/prefix/path.
func (c *Client) wsURL(path string) string {
	u := c.baseURL.JoinPath(path)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

type wsSub struct {
	conn      *websocket.Conn
	done      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

// Cancel closes the connection and waits for the read loop to exit, so fn
// is never called after Cancel returns.
func (s *wsSub) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		_ = s.conn.Close()
	})
	<-s.done
}

func (s *wsSub) readLoop(fn func(*model.Identity), logger *slog.Logger, onDisconnect func(error)) {
	defer close(s.done)

	for {
		// Reading also answers the server's pings.
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.cancelled.Load() {
				return
			}
			logger.Warn("session feed closed", slog.String("error", err.Error()))
			if onDisconnect != nil {
				onDisconnect(err)
			}
			return
		}

		var st session.State
		if err := json.Unmarshal(msg, &st); err != nil {
			logger.Warn("ignoring malformed session state", slog.String("error", err.Error()))
			continue
		}
		if st.Kind == session.Unresolved {
			continue
		}
		fn(st.Identity)
	}
}
