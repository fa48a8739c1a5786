package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/discord-notify/internal/config"
	"github.com/sakif/discord-notify/internal/handler"
	"github.com/sakif/discord-notify/internal/identity"
	"github.com/sakif/discord-notify/internal/repository/sqlite"
)

const secret = "server-test-secret-0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Addr:            "127.0.0.1:0",
		BaseURL:         "http://localhost:8080",
		DBDriver:        config.DriverSQLite,
		JWTSecret:       secret,
		TokenTTL:        time.Hour,
		SessionSecret:   secret,
		SessionMaxAge:   time.Hour,
		KeyRateLimit:    1,
		KeyRateBurst:    1,
		ShutdownTimeout: time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv, err := New(testConfig(), Deps{
		Users:    db,
		Settings: db,
		Feed:     identity.NewHub(),
		Checks: map[string]handler.Pinger{
			"db": handler.PingerFunc(func(context.Context) error { return db.Ping() }),
		},
		Clock: clockwork.NewFakeClock(),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(srv.limiter.Stop)
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes_Operational(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"db":"ok"`)

	rec = get(t, h, "/static/app.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/ws/session")

	// /healthz was counted above; /metrics itself is not.
	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `discord_notify_http_requests_total{method="GET",route="/healthz",status_code="200"} 1`)
	assert.NotContains(t, body, `route="/metrics"`)
}

func TestRoutes_APIRequiresAuth(t *testing.T) {
	h := newTestServer(t).Handler()
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/settings").Code)
}

func TestRoutes_KeyGenerationIsRateLimited(t *testing.T) {
	h := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodPost, "/auth/register",
		strings.NewReader(`{"login":"alice","password":"correct horse"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	token := extractToken(t, rec.Body.String())

	codes := []int{}
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/api/settings/key", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func extractToken(t *testing.T, body string) string {
	t.Helper()
	_, rest, ok := strings.Cut(body, `"token":"`)
	require.True(t, ok, body)
	token, _, ok := strings.Cut(rest, `"`)
	require.True(t, ok, body)
	return token
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRoutes_LoginPage(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := get(t, h, "/login")
	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "Sign in")
}
