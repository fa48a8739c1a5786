package identity

import (
	"context"
	"testing"
	"time"

	"github.com/sakif/discord-notify/internal/model"
)

func TestHub_DeliversOnlyToMatchingSession(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	var gotA, gotB []Event
	subA, _ := hub.Subscribe(ctx, "sid-a", func(ev Event) { gotA = append(gotA, ev) })
	defer subA.Cancel()
	subB, _ := hub.Subscribe(ctx, "sid-b", func(ev Event) { gotB = append(gotB, ev) })
	defer subB.Cancel()

	alice := &model.Identity{ID: "u1", Login: "alice"}
	if err := hub.Publish(ctx, Event{SessionID: "sid-a", Identity: alice, At: time.Now()}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(gotA) != 1 || gotA[0].Identity.ID != "u1" {
		t.Errorf("sid-a received %+v, want one event for u1", gotA)
	}
	if len(gotB) != 0 {
		t.Errorf("sid-b received %d events, want 0", len(gotB))
	}
}

func TestHub_FanOutInPublishOrder(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	var tab1, tab2 []string
	record := func(dst *[]string) func(Event) {
		return func(ev Event) {
			login := "<anon>"
			if ev.Identity != nil {
				login = ev.Identity.Login
			}
			*dst = append(*dst, login)
		}
	}
	s1, _ := hub.Subscribe(ctx, "sid", record(&tab1))
	defer s1.Cancel()
	s2, _ := hub.Subscribe(ctx, "sid", record(&tab2))
	defer s2.Cancel()

	_ = hub.Publish(ctx, Event{SessionID: "sid", Identity: &model.Identity{ID: "u1", Login: "alice"}})
	_ = hub.Publish(ctx, Event{SessionID: "sid"})

	want := []string{"alice", "<anon>"}
	for name, got := range map[string][]string{"tab1": tab1, "tab2": tab2} {
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("%s received %v, want %v", name, got, want)
		}
	}
}

func TestHub_CancelStopsDeliveryAndCleansUp(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	calls := 0
	sub, _ := hub.Subscribe(ctx, "sid", func(Event) { calls++ })
	if n := hub.Subscribers("sid"); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	sub.Cancel()
	sub.Cancel() // idempotent

	_ = hub.Publish(ctx, Event{SessionID: "sid"})
	if calls != 0 {
		t.Errorf("callback ran %d times after Cancel, want 0", calls)
	}
	if n := hub.Subscribers("sid"); n != 0 {
		t.Errorf("Subscribers() after Cancel = %d, want 0", n)
	}
}
