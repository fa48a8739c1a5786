package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/identity"
	"github.com/sakif/discord-notify/internal/metrics"
	"github.com/sakif/discord-notify/internal/session"
)

const (
	writeDeadline   = 5 * time.Second
	pongDeadline    = 60 * time.Second
	pingInterval    = 30 * time.Second
	stateBufferSize = 4
	maxClientFrame  = 512
)

// SessionHandler pushes "who is signed in" to a websocket for as long as
// the socket stays open.
//
// ONE OBSERVER PER SOCKET:
// Each connection gets its own session.Observer over an
// identity.RequestProvider built from the upgrade request: the JWT it
// carried answers the one-shot query, and the browser session id picks the
// identity feed. Every state change the observer emits is written to the
// socket as JSON ({"state":"authenticated","identity":{...}}).
//
// CLEANUP:
// Whatever ends the connection (client close, write failure, server
// shutdown), the deferred Dispose runs, which cancels the feed subscription.
// A socket that is gone never keeps a subscription alive.
type SessionHandler struct {
	feed     identity.Feed
	tokens   identity.TokenValidator
	users    identity.UserLookup
	browser  *auth.BrowserSessions
	metrics  *metrics.SessionMetrics
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler. m may be nil.
func NewSessionHandler(
	feed identity.Feed,
	tokens identity.TokenValidator,
	users identity.UserLookup,
	browser *auth.BrowserSessions,
	m *metrics.SessionMetrics,
	logger *slog.Logger,
) *SessionHandler {
	return &SessionHandler{
		feed:    feed,
		tokens:  tokens,
		users:   users,
		browser: browser,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The default CheckOrigin rejects cross-origin upgrades, which is
			// what a cookie-authenticated socket needs.
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and streams session state.
//
// HTTP: GET /ws/session
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Read everything we need from the request before the upgrade; after
	// it no headers or cookies can be written.
	sid, _ := h.browser.Peek(r)
	token, _ := auth.TokenFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.ActiveSessions.Inc()
		defer h.metrics.ActiveSessions.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	states := make(chan session.State, stateBufferSize)
	opts := []session.Option{
		session.WithOnChange(func(st session.State) { offerLatest(states, st) }),
		session.WithLogger(h.logger.With(slog.String("sessionID", sid))),
	}
	if h.metrics != nil {
		opts = append(opts, session.WithRecorder(h.metrics))
	}

	provider := identity.NewRequestProvider(h.feed, h.tokens, h.users, sid, token)
	obs := session.New(provider, opts...)
	defer obs.Dispose()

	go h.readPump(conn, cancel)
	obs.Start(ctx)

	h.writeLoop(ctx, conn, states)
}

// writeLoop is the only goroutine that writes to conn.
func (h *SessionHandler) writeLoop(ctx context.Context, conn *websocket.Conn, states <-chan session.State) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeDeadline))
			return
		case st := <-states:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(st); err != nil {
				h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
			if h.metrics != nil {
				h.metrics.PushesTotal.Inc()
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and cancels ctx when the client goes away.
// Reading is also what processes pongs and close frames.
func (h *SessionHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongDeadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// offerLatest queues st without blocking the observer. States are full
// snapshots, so when the writer falls behind the oldest queued one is dropped.
// Only the observer's onChange calls it, and those are serialised.
func offerLatest(ch chan session.State, st session.State) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
