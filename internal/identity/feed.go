// Package identity is the server-side Identity Provider: it tells a UI session
// who is signed in now (one-shot) and pushes every later change (feed).
//
// FEED KEYING:
// Events are addressed to a browser session id (see auth.BrowserSessions), not
// to a user. Signing in as bob in one tab must reach the other tabs of that
// same browser even though they were anonymous (or alice) a moment ago.
package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakif/discord-notify/internal/model"
)

// Event announces the identity now attached to a session. A nil Identity
// means the session signed out.
type Event struct {
	SessionID string          `json:"sessionId"`
	Identity  *model.Identity `json:"identity"`
	At        time.Time       `json:"at"`
}

// Subscription is a live feed registration.
type Subscription interface {
	Cancel()
}

// Feed carries Events between the handlers that change identity (login,
// logout) and the sockets observing it.
//
// Subscribe callbacks run on the feed's delivery goroutine and must not block.
// Events for one session are delivered in publish order.
type Feed interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, sessionID string, fn func(Event)) (Subscription, error)
}

// Hub is the in-process Feed used when no Redis URL is configured.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*hubSub]struct{}
}

var _ Feed = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

type hubSub struct {
	hub       *Hub
	sessionID string
	fn        func(Event)
	cancelled atomic.Bool
}

func (s *hubSub) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.hub.remove(s)
}

// Publish delivers ev synchronously to every subscriber of ev.SessionID.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	targets := make([]*hubSub, 0, len(h.subs[ev.SessionID]))
	for s := range h.subs[ev.SessionID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.cancelled.Load() {
			s.fn(ev)
		}
	}
	return nil
}

// Subscribe registers fn for sessionID. The context is not retained.
func (h *Hub) Subscribe(_ context.Context, sessionID string, fn func(Event)) (Subscription, error) {
	s := &hubSub{hub: h, sessionID: sessionID, fn: fn}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*hubSub]struct{})
		h.subs[sessionID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	return s, nil
}

// Subscribers reports how many live subscriptions sessionID has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.sessionID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.sessionID)
	}
}
