// Package service holds the business rules, between the HTTP handlers and the
// repositories:
//
//	AuthHandler     → AuthService     → UserRepository (DB)
//	                                  ↘ TokenService (JWT), identity.Feed
//	SettingsHandler → SettingsService → SettingsRepository (DB)
//
// Nothing here reads requests or writes cookies; that stays in handler.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/identity"
	"github.com/sakif/discord-notify/internal/model"
	"github.com/sakif/discord-notify/internal/repository"
)

// loginPattern mirrors GitHub's username rules so local and GitHub logins
// look alike in the UI.
var loginPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,37}[a-z0-9])?$`)

// AuthService handles the authentication business logic.
//
// DEPENDENCIES (injected via NewAuthService):
//   - users      repository.UserRepository  → read/write user records
//   - tokens     *auth.TokenService         → generate/validate JWTs
//   - passwords  *auth.PasswordService      → bcrypt for local accounts
//   - feed       identity.Feed              → announce sign-in/sign-out
//   - clock      clockwork.Clock            → event timestamps
//   - logger     *slog.Logger               → structured logging
type AuthService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	feed      identity.Feed
	clock     clockwork.Clock
	logger    *slog.Logger
}

// NewAuthService creates an AuthService with all required dependencies.
func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	feed identity.Feed,
	clock clockwork.Clock,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		feed:      feed,
		clock:     clock,
		logger:    logger,
	}
}

// AuthResult bundles the user record and the issued JWT so the handler can
// set the cookie (or answer the CLI) in one step.
type AuthResult struct {
	User  *model.User
	Token string
}

// LoginGitHub handles the GitHub OAuth callback: upsert on (github, id),
// issue a token, and tell every socket of sessionID who is signed in now.
func (s *AuthService) LoginGitHub(ctx context.Context, ghUser *auth.GitHubUser, sessionID string) (*AuthResult, error) {
	if ghUser == nil {
		return nil, fmt.Errorf("service/auth: GitHub user must not be nil")
	}

	user := ghUser.ToUser()
	if err := s.users.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: upserting user (githubID=%d): %w", ghUser.ID, err)
	}

	s.logger.Info("user authenticated via GitHub",
		slog.String("userID", user.ID),
		slog.String("login", user.Login),
	)
	return s.signIn(ctx, user, sessionID)
}

// Register creates a local account and signs it in.
func (s *AuthService) Register(ctx context.Context, login, password, sessionID string) (*AuthResult, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if !loginPattern.MatchString(login) {
		return nil, apperror.ValidationFailed("login",
			"login must be 1-39 characters of lowercase letters, digits or hyphens, and not start or end with a hyphen")
	}
	if err := auth.CheckStrength(password); err != nil {
		return nil, apperror.ValidationFailed("password", err.Error())
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user := &model.User{Login: login, PasswordHash: hash}
	if err := s.users.CreateLocal(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.ValidationFailed("login", "login is already taken")
		}
		return nil, fmt.Errorf("service/auth: creating local user %q: %w", login, err)
	}

	s.logger.Info("local user registered",
		slog.String("userID", user.ID),
		slog.String("login", user.Login),
	)
	return s.signIn(ctx, user, sessionID)
}

// Login checks a local login/password pair. Unknown logins and wrong
// passwords return the same apperror.ErrUnauthorized.
func (s *AuthService) Login(ctx context.Context, login, password, sessionID string) (*AuthResult, error) {
	login = strings.ToLower(strings.TrimSpace(login))

	user, err := s.users.GetByLogin(ctx, login)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			return nil, fmt.Errorf("service/auth: looking up %q: %w", login, err)
		}
		_ = s.passwords.VerifyMissing(password)
		return nil, apperror.Unauthorized("invalid login or password")
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrInvalidPassword) {
			s.logger.Error("stored password hash is unusable",
				slog.String("userID", user.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, apperror.Unauthorized("invalid login or password")
	}

	s.logger.Info("user authenticated with password",
		slog.String("userID", user.ID),
		slog.String("login", user.Login),
	)
	return s.signIn(ctx, user, sessionID)
}

// Logout announces that sessionID is signed out. The token itself stays valid
// until it expires; the handler clears the cookie.
func (s *AuthService) Logout(ctx context.Context, sessionID string) {
	s.publish(ctx, sessionID, nil)
}

// GetUserByID returns the user for the given internal ID.
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, fmt.Errorf("service/auth: user ID must not be empty")
	}

	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

// ValidateToken validates a JWT string and returns the userID it encodes.
func (s *AuthService) ValidateToken(tokenStr string) (string, error) {
	userID, err := s.tokens.Validate(tokenStr)
	if err != nil {
		return "", fmt.Errorf("service/auth: %w", err)
	}
	return userID, nil
}

func (s *AuthService) signIn(ctx context.Context, user *model.User, sessionID string) (*AuthResult, error) {
	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for user %s: %w", user.ID, err)
	}
	s.publish(ctx, sessionID, user.Identity())
	return &AuthResult{User: user, Token: token}, nil
}

// publish never fails the caller: a lost event only delays other tabs until
// they reconnect and run their one-shot query again.
func (s *AuthService) publish(ctx context.Context, sessionID string, id *model.Identity) {
	if sessionID == "" {
		return
	}
	ev := identity.Event{SessionID: sessionID, Identity: id, At: s.clock.Now()}
	if err := s.feed.Publish(ctx, ev); err != nil {
		s.logger.Warn("publishing identity event failed",
			slog.String("sessionID", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
