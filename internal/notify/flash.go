package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// FlashStore is the per-browser flash queue (auth.BrowserSessions).
type FlashStore interface {
	AddFlash(w http.ResponseWriter, r *http.Request, value string) error
	Flashes(w http.ResponseWriter, r *http.Request) ([]string, error)
}

// FlashNotifier queues notices in the browser session so they survive the
// redirect after a form POST and render on the next GET.
type FlashNotifier struct {
	store  FlashStore
	w      http.ResponseWriter
	r      *http.Request
	logger *slog.Logger
}

var _ Notifier = (*FlashNotifier)(nil)

// NewFlashNotifier binds a notifier to one request/response pair.
func NewFlashNotifier(store FlashStore, w http.ResponseWriter, r *http.Request, logger *slog.Logger) *FlashNotifier {
	return &FlashNotifier{store: store, w: w, r: r, logger: logger}
}

// Notify must run before the response headers are written.
func (f *FlashNotifier) Notify(n Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		f.logger.Error("encoding flash notice", slog.String("error", err.Error()))
		return
	}
	if err := f.store.AddFlash(f.w, f.r, string(data)); err != nil {
		f.logger.Error("saving flash notice", slog.String("error", err.Error()))
	}
}

// PopFlashes drains the queued notices. Entries that no longer decode are
// skipped.
func PopFlashes(store FlashStore, w http.ResponseWriter, r *http.Request) ([]Notice, error) {
	raw, err := store.Flashes(w, r)
	if err != nil {
		return nil, err
	}
	out := make([]Notice, 0, len(raw))
	for _, s := range raw {
		var n Notice
		if err := json.Unmarshal([]byte(s), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
