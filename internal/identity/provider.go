package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/session"
)

// ErrNoSession is returned by Subscribe when the request carried no session
// id, so there is no feed to listen on.
var ErrNoSession = errors.New("identity: request has no session id")

// TokenValidator checks a JWT and returns its subject.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// UserLookup loads the user named by a token's subject.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// RequestProvider is the session.Provider for one UI session on the server.
//
// The one-shot query answers from the credentials captured when the session
// was opened (the websocket upgrade request); the feed answers from Events
// published for the session id afterwards.
type RequestProvider struct {
	feed      Feed
	tokens    TokenValidator
	users     UserLookup
	sessionID string
	token     string
}

var _ session.Provider = (*RequestProvider)(nil)

// NewRequestProvider builds a provider for sessionID with the raw JWT the
// request carried ("" if none).
func NewRequestProvider(feed Feed, tokens TokenValidator, users UserLookup, sessionID, token string) *RequestProvider {
	return &RequestProvider{
		feed:      feed,
		tokens:    tokens,
		users:     users,
		sessionID: sessionID,
		token:     token,
	}
}

// CurrentIdentity returns nil (signed out) for a missing or invalid token and
// for a token whose user no longer exists. Only store failures are errors.
func (p *RequestProvider) CurrentIdentity(ctx context.Context) (*model.Identity, error) {
	if p.token == "" {
		return nil, nil
	}
	userID, err := p.tokens.Validate(p.token)
	if err != nil {
		return nil, nil
	}
	user, err := p.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: loading user %s: %w", userID, err)
	}
	return user.Identity(), nil
}

// Subscribe forwards feed events for the session to fn.
func (p *RequestProvider) Subscribe(ctx context.Context, fn func(*model.Identity)) (session.Subscription, error) {
	if p.sessionID == "" {
		return nil, ErrNoSession
	}
	return p.feed.Subscribe(ctx, p.sessionID, func(ev Event) {
		fn(ev.Identity)
	})
}
