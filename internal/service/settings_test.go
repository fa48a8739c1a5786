package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/discord-notify/internal/apperror"
	"github.com/sakif/discord-notify/internal/model"
)

// =========================================================================
// FAKES
// =========================================================================

// fakeSettingsRepo is an in-memory SettingsRepository. Rows are kept in
// insertion order; enforceUnique mimics the UNIQUE(user_id) constraint.
type fakeSettingsRepo struct {
	mu            sync.Mutex
	rows          []model.Settings
	enforceUnique bool
	nextID        int

	listErr   error
	insertErr error
	upsertErr error

	// beforeInsert runs inside Insert before the uniqueness check, to
	// simulate a concurrent writer.
	beforeInsert func()
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{enforceUnique: true}
}

func (f *fakeSettingsRepo) ListByUser(_ context.Context, userID string) ([]model.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := []model.Settings{}
	for _, r := range f.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSettingsRepo) Insert(_ context.Context, s *model.Settings) error {
	if f.beforeInsert != nil {
		hook := f.beforeInsert
		f.beforeInsert = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.enforceUnique {
		for _, r := range f.rows {
			if r.UserID == s.UserID {
				return apperror.Conflict("settings", s.UserID)
			}
		}
	}
	f.nextID++
	s.ID = fmt.Sprintf("rec-%d", f.nextID)
	f.rows = append(f.rows, *s)
	return nil
}

func (f *fakeSettingsRepo) SetAPIKey(_ context.Context, userID, apiKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].UserID == userID && f.rows[i].APIKey == nil {
			k := apiKey
			f.rows[i].APIKey = &k
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSettingsRepo) UpsertChatID(_ context.Context, userID, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for i := range f.rows {
		if f.rows[i].UserID == userID {
			c := chatID
			f.rows[i].ChatID = &c
			return nil
		}
	}
	f.nextID++
	c := chatID
	f.rows = append(f.rows, model.Settings{ID: fmt.Sprintf("rec-%d", f.nextID), UserID: userID, ChatID: &c})
	return nil
}

func (f *fakeSettingsRepo) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.rows {
		if r.UserID == userID {
			n++
		}
	}
	return n
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) ObserveSettings(op, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[op+"/"+outcome]++
}

// sequenceKeys returns dn_test_1, dn_test_2, ...
func sequenceKeys() KeyGenerator {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("dn_test_%d", n), nil
	}
}

func newTestSettingsService(repo *fakeSettingsRepo, opts ...SettingsOption) *SettingsService {
	opts = append([]SettingsOption{WithKeyGenerator(sequenceKeys())}, opts...)
	return NewSettingsService(repo, testLogger(), opts...)
}

func str(s string) *string { return &s }

// =========================================================================
// KEY GENERATION
// =========================================================================

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, APIKeyPrefix))

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(a, APIKeyPrefix))
	require.NoError(t, err, "key body should be unpadded base64url")
	assert.Len(t, raw, 32)
}

// =========================================================================
// Get
// =========================================================================

func TestGet(t *testing.T) {
	t.Run("no record", func(t *testing.T) {
		svc := newTestSettingsService(newFakeSettingsRepo())
		got, err := svc.Get(context.Background(), "u1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("one record", func(t *testing.T) {
		repo := newFakeSettingsRepo()
		repo.rows = []model.Settings{{ID: "r1", UserID: "u1", APIKey: str("k"), ChatID: str("1")}}
		got, err := newTestSettingsService(repo).Get(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "k", model.Value(got.APIKey))
		assert.Equal(t, "1", model.Value(got.ChatID))
	})

	t.Run("duplicates use the first and count an anomaly", func(t *testing.T) {
		repo := newFakeSettingsRepo()
		repo.rows = []model.Settings{
			{ID: "r1", UserID: "u1", APIKey: str("first")},
			{ID: "r2", UserID: "u1", APIKey: str("second")},
		}
		rec := &countingRecorder{}
		got, err := newTestSettingsService(repo, WithSettingsRecorder(rec)).Get(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "first", model.Value(got.APIKey))
		assert.Equal(t, 1, rec.counts["get/"+OutcomeAnomaly])
	})

	t.Run("store failure", func(t *testing.T) {
		repo := newFakeSettingsRepo()
		repo.listErr = errors.New("connection reset")
		_, err := newTestSettingsService(repo).Get(context.Background(), "u1")
		assert.ErrorContains(t, err, "connection reset")
	})
}

// =========================================================================
// CreateKey
// =========================================================================

func TestCreateKey_RepeatedCallsKeepOneRecord(t *testing.T) {
	repo := newFakeSettingsRepo()
	svc := newTestSettingsService(repo)
	ctx := context.Background()

	first, created, err := svc.CreateKey(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "dn_test_1", model.Value(first.APIKey))

	second, created, err := svc.CreateKey(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "dn_test_1", model.Value(second.APIKey), "existing key must be returned unchanged")

	assert.Equal(t, 1, repo.count("u1"))
}

// The store has no unique constraint (legacy data) but check-then-insert
// still avoids a second row for sequential calls.
func TestCreateKey_WithoutConstraintStillOneRecord(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.enforceUnique = false
	svc := newTestSettingsService(repo)

	for range 3 {
		_, _, err := svc.CreateKey(context.Background(), "u1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, repo.count("u1"))
}

func TestCreateKey_LostInsertRaceReturnsWinner(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.beforeInsert = func() {
		repo.mu.Lock()
		repo.rows = append(repo.rows, model.Settings{ID: "winner", UserID: "u1", APIKey: str("dn_winner")})
		repo.mu.Unlock()
	}
	svc := newTestSettingsService(repo)

	got, created, err := svc.CreateKey(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "dn_winner", model.Value(got.APIKey))
	assert.Equal(t, 1, repo.count("u1"))
}

func TestCreateKey_OnChatOnlyRecordSetsKeyInPlace(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.rows = []model.Settings{{ID: "r1", UserID: "u1", ChatID: str("777")}}
	svc := newTestSettingsService(repo)

	got, created, err := svc.CreateKey(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "dn_test_1", model.Value(got.APIKey))
	assert.Equal(t, "777", model.Value(got.ChatID))
}

func TestCreateKey_Failures(t *testing.T) {
	t.Run("generator", func(t *testing.T) {
		svc := newTestSettingsService(newFakeSettingsRepo(),
			WithKeyGenerator(func() (string, error) { return "", errors.New("entropy exhausted") }))
		_, _, err := svc.CreateKey(context.Background(), "u1")
		assert.ErrorContains(t, err, "entropy exhausted")
	})

	t.Run("insert", func(t *testing.T) {
		repo := newFakeSettingsRepo()
		repo.insertErr = errors.New("disk full")
		_, _, err := newTestSettingsService(repo).CreateKey(context.Background(), "u1")
		assert.ErrorContains(t, err, "disk full")
		assert.False(t, errors.Is(err, apperror.ErrConflict))
	})
}

// =========================================================================
// UpdateChatID
// =========================================================================

func TestValidateChatID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "12345", want: "12345"},
		{in: "  987654321012345678 ", want: "987654321012345678"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "12a45", wantErr: true},
		{in: "-12345", wantErr: true},
		{in: "١٢٣", wantErr: true}, // non-ASCII digits
		{in: strings.Repeat("9", 32), want: strings.Repeat("9", 32)},
		{in: strings.Repeat("9", 33), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateChatID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperror.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpdateChatID_CreatesThenUpdates(t *testing.T) {
	repo := newFakeSettingsRepo()
	svc := newTestSettingsService(repo)
	ctx := context.Background()

	got, err := svc.UpdateChatID(ctx, "u1", "111")
	require.NoError(t, err)
	assert.Equal(t, "111", model.Value(got.ChatID))
	assert.Nil(t, got.APIKey)

	got, err = svc.UpdateChatID(ctx, "u1", " 222 ")
	require.NoError(t, err)
	assert.Equal(t, "222", model.Value(got.ChatID))
	assert.Equal(t, 1, repo.count("u1"))
}

func TestUpdateChatID_InvalidDoesNotTouchStore(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.upsertErr = errors.New("must not be called")
	svc := newTestSettingsService(repo)

	_, err := svc.UpdateChatID(context.Background(), "u1", "abc")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

// readBackFailsRepo accepts the chat id write, then fails every read.
type readBackFailsRepo struct {
	*fakeSettingsRepo
}

func (r readBackFailsRepo) UpsertChatID(ctx context.Context, userID, chatID string) error {
	if err := r.fakeSettingsRepo.UpsertChatID(ctx, userID, chatID); err != nil {
		return err
	}
	r.mu.Lock()
	r.listErr = errors.New("connection reset")
	r.mu.Unlock()
	return nil
}

func TestUpdateChatID_ReadBackFailureStillSucceeds(t *testing.T) {
	repo := readBackFailsRepo{newFakeSettingsRepo()}
	rec := &countingRecorder{}
	svc := NewSettingsService(repo, testLogger(), WithSettingsRecorder(rec))

	got, err := svc.UpdateChatID(context.Background(), "u1", " 12345 ")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "12345", model.Value(got.ChatID))
	assert.Equal(t, 1, repo.count("u1"), "the write went through")
	assert.Equal(t, 1, rec.counts["update_chat_id/"+OutcomeUpdated])
}

func TestUpdateChatID_StoreFailure(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.upsertErr = errors.New("read-only database")
	rec := &countingRecorder{}
	svc := newTestSettingsService(repo, WithSettingsRecorder(rec))

	_, err := svc.UpdateChatID(context.Background(), "u1", "12345")
	assert.ErrorContains(t, err, "read-only database")
	assert.Equal(t, 1, rec.counts["update_chat_id/"+OutcomeError])
}
