package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotice_JSONUsesMilliseconds(t *testing.T) {
	n := Notice{Title: "Saved", Message: "Chat id updated", Severity: Normal, Duration: 1500 * time.Millisecond}

	b, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Saved","message":"Chat id updated","severity":"normal","durationMs":1500}`, string(b))

	var back Notice
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, n, back)
}

func TestNotice_UnmarshalDefaultsSeverity(t *testing.T) {
	var n Notice
	require.NoError(t, json.Unmarshal([]byte(`{"title":"x"}`), &n))
	assert.Equal(t, Normal, n.Severity)
}

func TestConstructors(t *testing.T) {
	assert.False(t, Info("a", "b").IsDestructive())
	assert.True(t, Error("a", "b").IsDestructive())
	assert.Equal(t, DefaultDuration, Error("a", "b").Duration)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	assert.NotNil(t, r.Notices())
	assert.Equal(t, []Notice{}, r.Drain())

	r.Notify(Info("one", ""))
	r.Notify(Error("two", ""))

	assert.Len(t, r.Notices(), 2)
	drained := r.Drain()
	assert.Equal(t, "one", drained[0].Title)
	assert.Equal(t, "two", drained[1].Title)
	assert.Empty(t, r.Notices())
}

func TestHub_DeliversToAllInOrder(t *testing.T) {
	var a, b Recorder
	var order []string
	tracer := NotifierFunc(func(n Notice) { order = append(order, n.Title) })

	NewHub(&a, &b, tracer).Notify(Info("hello", ""))

	assert.Len(t, a.Notices(), 1)
	assert.Len(t, b.Notices(), 1)
	assert.Equal(t, []string{"hello"}, order)
}

// memFlashStore is a FlashStore without cookies.
type memFlashStore struct {
	queue  []string
	addErr error
}

func (m *memFlashStore) AddFlash(_ http.ResponseWriter, _ *http.Request, v string) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.queue = append(m.queue, v)
	return nil
}

func (m *memFlashStore) Flashes(http.ResponseWriter, *http.Request) ([]string, error) {
	out := m.queue
	m.queue = nil
	return out, nil
}

func TestFlashNotifier_RoundTrip(t *testing.T) {
	store := &memFlashStore{}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/settings/chat-id", nil)

	fn := NewFlashNotifier(store, w, r, slog.New(slog.DiscardHandler))
	fn.Notify(Info("Saved", "Chat id updated"))
	fn.Notify(Error("Oops", "try again"))

	// A corrupt entry must not hide the others.
	store.queue = append(store.queue, "{not json")

	got, err := PopFlashes(store, w, r)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Saved", got[0].Title)
	assert.True(t, got[1].IsDestructive())
}

func TestFlashNotifier_StoreErrorIsLoggedNotPanicked(t *testing.T) {
	var logs bytes.Buffer
	store := &memFlashStore{addErr: errors.New("cookie too large")}
	fn := NewFlashNotifier(store, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil),
		slog.New(slog.NewTextHandler(&logs, nil)))

	fn.Notify(Info("x", ""))
	assert.Contains(t, logs.String(), "cookie too large")
}

func TestTerminalNotifier(t *testing.T) {
	var out bytes.Buffer
	tn := NewTerminalNotifier(&out)

	tn.Notify(Info("API key created", "copy it now"))
	tn.Notify(Error("Could not save chat id", ""))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "API key created")
	assert.Contains(t, lines[0], "copy it now")
	assert.Contains(t, lines[1], "Could not save chat id")
}
