package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/identity"
	"github.com/sakif/discord-notify/internal/model"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory implementation of repository.UserRepository.
type fakeUserRepo struct {
	users      map[string]*model.User // keyed by internal ID
	byProvider map[string]*model.User // keyed by provider + "/" + providerID
	nextID     int
	// set to a non-nil error to simulate a database failure
	upsertErr  error
	getByIDErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:      make(map[string]*model.User),
		byProvider: make(map[string]*model.User),
		nextID:     1,
	}
}

func (f *fakeUserRepo) insert(user *model.User) {
	user.ID = fmt.Sprintf("user-fake-id-%d", f.nextID)
	f.nextID++
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.users[user.ID] = &copied
	f.byProvider[user.Provider+"/"+user.ProviderID] = &copied
}

func (f *fakeUserRepo) Upsert(_ context.Context, user *model.User) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if existing, ok := f.byProvider[user.Provider+"/"+user.ProviderID]; ok {
		existing.Login = user.Login
		existing.Email = user.Email
		existing.AvatarURL = user.AvatarURL
		*user = *existing
		return nil
	}
	f.insert(user)
	return nil
}

func (f *fakeUserRepo) CreateLocal(_ context.Context, user *model.User) error {
	user.Provider = model.ProviderLocal
	user.ProviderID = user.Login
	if _, ok := f.byProvider[model.ProviderLocal+"/"+user.Login]; ok {
		return apperror.Conflict("user", user.Login)
	}
	f.insert(user)
	return nil
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	if f.getByIDErr != nil {
		return nil, f.getByIDErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	return u, nil
}

func (f *fakeUserRepo) GetByLogin(_ context.Context, login string) (*model.User, error) {
	u, ok := f.byProvider[model.ProviderLocal+"/"+login]
	if !ok {
		return nil, apperror.NotFound("user", login)
	}
	return u, nil
}

// recordingFeed captures published events.
type recordingFeed struct {
	events []identity.Event
	err    error
}

func (f *recordingFeed) Publish(_ context.Context, ev identity.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *recordingFeed) Subscribe(context.Context, string, func(identity.Event)) (identity.Subscription, error) {
	return nil, errors.New("not used")
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestAuthService returns an AuthService wired with fake dependencies.
func newTestAuthService(t *testing.T, repo *fakeUserRepo, feed *recordingFeed) *AuthService {
	t.Helper()

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	// Cost 4 is bcrypt minimum, which keeps tests fast.
	ps := auth.NewPasswordServiceForTest(4)

	return NewAuthService(repo, ts, ps, feed, clockwork.NewFakeClockAt(testNow), testLogger())
}

// =========================================================================
// LoginGitHub TESTS
// =========================================================================

func TestLoginGitHub_NewUser(t *testing.T) {
	repo := newFakeUserRepo()
	feed := &recordingFeed{}
	svc := newTestAuthService(t, repo, feed)

	ghUser := &auth.GitHubUser{ID: 42, Login: "octocat", Email: "octo@github.com"}
	result, err := svc.LoginGitHub(context.Background(), ghUser, "sid-1")
	if err != nil {
		t.Fatalf("LoginGitHub() error = %v", err)
	}

	if result.User.ID == "" {
		t.Error("User.ID should be populated after upsert")
	}
	if result.User.Provider != model.ProviderGitHub || result.User.ProviderID != "42" {
		t.Errorf("provider = %s/%s, want github/42", result.User.Provider, result.User.ProviderID)
	}
	if result.Token == "" {
		t.Error("Token should be non-empty")
	}

	if len(feed.events) != 1 {
		t.Fatalf("published %d events, want 1", len(feed.events))
	}
	ev := feed.events[0]
	if ev.SessionID != "sid-1" || ev.Identity == nil || ev.Identity.Login != "octocat" {
		t.Errorf("event = %+v, want sign-in of octocat on sid-1", ev)
	}
	if !ev.At.Equal(testNow) {
		t.Errorf("event time = %v, want %v", ev.At, testNow)
	}
}

func TestLoginGitHub_ExistingUserKeepsID(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo, &recordingFeed{})
	ctx := context.Background()

	first, _ := svc.LoginGitHub(ctx, &auth.GitHubUser{ID: 7, Login: "old"}, "")
	second, err := svc.LoginGitHub(ctx, &auth.GitHubUser{ID: 7, Login: "renamed"}, "")
	if err != nil {
		t.Fatalf("LoginGitHub() error = %v", err)
	}
	if second.User.ID != first.User.ID {
		t.Errorf("ID changed across logins: %s → %s", first.User.ID, second.User.ID)
	}
	if second.User.Login != "renamed" {
		t.Errorf("Login = %q, want refreshed profile", second.User.Login)
	}
}

func TestLoginGitHub_NilUser(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo(), &recordingFeed{})

	if _, err := svc.LoginGitHub(context.Background(), nil, ""); err == nil {
		t.Fatal("LoginGitHub(nil) should fail")
	}
}

func TestLoginGitHub_RepositoryError(t *testing.T) {
	repo := newFakeUserRepo()
	repo.upsertErr = errors.New("disk full")
	feed := &recordingFeed{}
	svc := newTestAuthService(t, repo, feed)

	_, err := svc.LoginGitHub(context.Background(), &auth.GitHubUser{ID: 1, Login: "x"}, "sid")
	if err == nil {
		t.Fatal("LoginGitHub() should propagate repository errors")
	}
	if len(feed.events) != 0 {
		t.Error("no identity event should be published when login fails")
	}
}

func TestLoginGitHub_FeedFailureDoesNotFailLogin(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo(), &recordingFeed{err: errors.New("redis down")})

	if _, err := svc.LoginGitHub(context.Background(), &auth.GitHubUser{ID: 1, Login: "x"}, "sid"); err != nil {
		t.Fatalf("LoginGitHub() error = %v, want nil despite feed failure", err)
	}
}

// =========================================================================
// LOCAL ACCOUNT TESTS
// =========================================================================

func TestRegister_ThenLogin(t *testing.T) {
	repo := newFakeUserRepo()
	feed := &recordingFeed{}
	svc := newTestAuthService(t, repo, feed)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "  Alice ", "correct-horse", "sid-a")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.User.Login != "alice" {
		t.Errorf("Login = %q, want normalised %q", reg.User.Login, "alice")
	}
	if reg.User.PasswordHash == "" || reg.User.PasswordHash == "correct-horse" {
		t.Error("password should be stored hashed")
	}

	login, err := svc.Login(ctx, "alice", "correct-horse", "sid-b")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if login.User.ID != reg.User.ID {
		t.Errorf("Login() user = %s, want %s", login.User.ID, reg.User.ID)
	}
	if len(feed.events) != 2 {
		t.Errorf("published %d events, want 2", len(feed.events))
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name      string
		login     string
		password  string
		wantField string
	}{
		{"empty login", "", "correct-horse", "login"},
		{"leading hyphen", "-bob", "correct-horse", "login"},
		{"bad characters", "bob smith", "correct-horse", "login"},
		{"short password", "bob", "short", "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestAuthService(t, newFakeUserRepo(), &recordingFeed{})
			_, err := svc.Register(context.Background(), tt.login, tt.password, "")

			var appErr *apperror.AppError
			if !errors.As(err, &appErr) || !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("Register() error = %v, want validation error", err)
			}
			if appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
		})
	}
}

func TestRegister_DuplicateLogin(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo(), &recordingFeed{})
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob", "correct-horse", ""); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	_, err := svc.Register(ctx, "bob", "another-pass", "")
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("second Register() error = %v, want validation error", err)
	}
}

func TestLogin_WrongPasswordAndUnknownLoginLookAlike(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo(), &recordingFeed{})
	ctx := context.Background()
	_, _ = svc.Register(ctx, "carol", "correct-horse", "")

	_, errWrong := svc.Login(ctx, "carol", "wrong-horse", "")
	_, errUnknown := svc.Login(ctx, "nobody", "correct-horse", "")

	for name, err := range map[string]error{"wrong password": errWrong, "unknown login": errUnknown} {
		if !errors.Is(err, apperror.ErrUnauthorized) {
			t.Errorf("%s: error = %v, want ErrUnauthorized", name, err)
		}
	}
	if errWrong.Error() != errUnknown.Error() {
		t.Errorf("messages differ: %q vs %q", errWrong, errUnknown)
	}
}

func TestLogout_PublishesSignOut(t *testing.T) {
	feed := &recordingFeed{}
	svc := newTestAuthService(t, newFakeUserRepo(), feed)

	svc.Logout(context.Background(), "sid-1")
	svc.Logout(context.Background(), "")

	if len(feed.events) != 1 {
		t.Fatalf("published %d events, want 1 (empty session ignored)", len(feed.events))
	}
	if feed.events[0].Identity != nil {
		t.Error("logout event should carry a nil identity")
	}
}

// =========================================================================
// GetUserByID / ValidateToken TESTS
// =========================================================================

func TestGetUserByID(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo, &recordingFeed{})
	ctx := context.Background()

	res, _ := svc.LoginGitHub(ctx, &auth.GitHubUser{ID: 9, Login: "dora"}, "")

	got, err := svc.GetUserByID(ctx, res.User.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if got.Login != "dora" {
		t.Errorf("Login = %q, want dora", got.Login)
	}

	if _, err := svc.GetUserByID(ctx, ""); err == nil {
		t.Error("GetUserByID(\"\") should fail")
	}
	if _, err := svc.GetUserByID(ctx, "missing"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestValidateToken(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo(), &recordingFeed{})

	res, _ := svc.LoginGitHub(context.Background(), &auth.GitHubUser{ID: 3, Login: "eve"}, "")

	userID, err := svc.ValidateToken(res.Token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if userID != res.User.ID {
		t.Errorf("ValidateToken() = %q, want %q", userID, res.User.ID)
	}

	if _, err := svc.ValidateToken("not-a-token"); err == nil {
		t.Error("ValidateToken() should reject garbage")
	}
}
