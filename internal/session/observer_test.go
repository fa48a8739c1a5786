package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/discord-notify/internal/model"
)

// =========================================================================
// FAKES
// =========================================================================

type queryResult struct {
	id  *model.Identity
	err error
}

// fakeProvider lets a test decide when the one-shot query answers and when
// feed events fire.
type fakeProvider struct {
	queryCh chan queryResult
	subErr  error

	mu        sync.Mutex
	fn        func(*model.Identity)
	cancelled bool
	queried   bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{queryCh: make(chan queryResult, 1)}
}

func (p *fakeProvider) CurrentIdentity(ctx context.Context) (*model.Identity, error) {
	p.mu.Lock()
	p.queried = true
	p.mu.Unlock()
	select {
	case r := <-p.queryCh:
		return r.id, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakeProvider) Subscribe(_ context.Context, fn func(*model.Identity)) (Subscription, error) {
	if p.subErr != nil {
		return nil, p.subErr
	}
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
	return fakeSub{p}, nil
}

// emit delivers a feed event even after cancellation, the way a misbehaving
// provider might.
func (p *fakeProvider) emit(id *model.Identity) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (p *fakeProvider) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

type fakeSub struct{ p *fakeProvider }

func (s fakeSub) Cancel() {
	s.p.mu.Lock()
	s.p.cancelled = true
	s.p.mu.Unlock()
}

type resolution struct {
	source  string
	applied bool
}

// chanRecorder turns resolutions into a channel so tests can wait for the
// background query without sleeping.
type chanRecorder struct{ ch chan resolution }

func newChanRecorder() *chanRecorder { return &chanRecorder{ch: make(chan resolution, 16)} }

func (r *chanRecorder) ObserveResolution(source string, applied bool) {
	r.ch <- resolution{source, applied}
}

func (r *chanRecorder) next(t *testing.T) resolution {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a resolution")
		return resolution{}
	}
}

// changeLog collects onChange calls.
type changeLog struct {
	mu     sync.Mutex
	states []State
}

func (c *changeLog) record(s State) {
	c.mu.Lock()
	c.states = append(c.states, s)
	c.mu.Unlock()
}

func (c *changeLog) all() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.states...)
}

var (
	alice = &model.Identity{ID: "u1", Login: "alice"}
	bob   = &model.Identity{ID: "u2", Login: "bob"}
)

func startObserver(t *testing.T, p *fakeProvider) (*Observer, *chanRecorder, *changeLog) {
	t.Helper()
	rec := newChanRecorder()
	log := &changeLog{}
	o := New(p, WithRecorder(rec), WithOnChange(log.record))
	o.Start(context.Background())
	t.Cleanup(o.Dispose)
	return o, rec, log
}

// =========================================================================
// ORDERING
// =========================================================================

func TestObserver_StartsUnresolved(t *testing.T) {
	o := New(newFakeProvider())
	assert.Equal(t, Unresolved, o.State().Kind)

	select {
	case <-o.Ready():
		t.Fatal("Ready() closed before any resolution")
	default:
	}
}

func TestObserver_QueryThenFeed_FeedWins(t *testing.T) {
	p := newFakeProvider()
	o, rec, log := startObserver(t, p)

	p.queryCh <- queryResult{id: alice}
	assert.Equal(t, resolution{SourceQuery, true}, rec.next(t))
	assert.Equal(t, StateFor(alice), o.State())

	p.emit(nil)
	assert.Equal(t, resolution{SourceFeed, true}, rec.next(t))
	assert.Equal(t, Anonymous, o.State().Kind)

	assert.Equal(t, []State{StateFor(alice), StateFor(nil)}, log.all())
}

func TestObserver_FeedThenQuery_QueryDropped(t *testing.T) {
	p := newFakeProvider()
	o, rec, log := startObserver(t, p)

	p.emit(bob)
	assert.Equal(t, resolution{SourceFeed, true}, rec.next(t))

	p.queryCh <- queryResult{id: alice}
	assert.Equal(t, resolution{SourceQuery, false}, rec.next(t))

	assert.Equal(t, StateFor(bob), o.State())
	assert.Equal(t, []State{StateFor(bob)}, log.all())
}

func TestObserver_FeedSignOutBeforeQuery(t *testing.T) {
	p := newFakeProvider()
	o, rec, _ := startObserver(t, p)

	p.emit(nil)
	rec.next(t)
	p.queryCh <- queryResult{id: alice}
	rec.next(t)

	assert.Equal(t, Anonymous, o.State().Kind)
}

func TestObserver_LastFeedEventWins(t *testing.T) {
	p := newFakeProvider()
	o, rec, _ := startObserver(t, p)

	p.emit(alice)
	p.emit(nil)
	p.emit(bob)
	for range 3 {
		rec.next(t)
	}
	assert.Equal(t, StateFor(bob), o.State())
}

// =========================================================================
// FAILURES
// =========================================================================

func TestObserver_QueryFailure_ResolvesAnonymous(t *testing.T) {
	p := newFakeProvider()
	o, rec, _ := startObserver(t, p)

	p.queryCh <- queryResult{err: errors.New("provider down")}
	assert.Equal(t, resolution{SourceQuery, true}, rec.next(t))

	assert.Equal(t, Anonymous, o.State().Kind)
	select {
	case <-o.Ready():
	default:
		t.Fatal("Ready() should be closed after a failed query resolves")
	}
}

func TestObserver_QueryFailureAfterFeed_KeepsFeedState(t *testing.T) {
	p := newFakeProvider()
	o, rec, _ := startObserver(t, p)

	p.emit(alice)
	rec.next(t)
	p.queryCh <- queryResult{err: errors.New("provider down")}
	assert.Equal(t, resolution{SourceQuery, false}, rec.next(t))

	assert.Equal(t, StateFor(alice), o.State())
}

func TestObserver_SubscribeFailure_QueryStillApplies(t *testing.T) {
	p := newFakeProvider()
	p.subErr = errors.New("feed unavailable")
	o, rec, _ := startObserver(t, p)

	p.queryCh <- queryResult{id: alice}
	rec.next(t)

	assert.Equal(t, StateFor(alice), o.State())
}

// =========================================================================
// DISPOSE
// =========================================================================

func TestObserver_Dispose_CancelsAndIgnoresLateEvents(t *testing.T) {
	p := newFakeProvider()
	o, rec, log := startObserver(t, p)

	p.queryCh <- queryResult{id: alice}
	assert.Equal(t, resolution{SourceQuery, true}, rec.next(t))

	o.Dispose()
	assert.True(t, p.isCancelled(), "subscription should be cancelled")

	p.emit(bob)
	assert.Equal(t, resolution{SourceFeed, false}, rec.next(t))
	assert.Equal(t, StateFor(alice), o.State())
	assert.Len(t, log.all(), 1)
}

func TestObserver_Dispose_AbortsPendingQuery(t *testing.T) {
	p := newFakeProvider()
	o, rec, log := startObserver(t, p)

	o.Dispose()

	// The fake query returns ctx.Err() once cancelled; that resolution must
	// not be applied.
	assert.Equal(t, resolution{SourceQuery, false}, rec.next(t))
	assert.Equal(t, Unresolved, o.State().Kind)
	assert.Empty(t, log.all())
}

func TestObserver_Dispose_Idempotent(t *testing.T) {
	p := newFakeProvider()
	o, _, _ := startObserver(t, p)

	o.Dispose()
	o.Dispose()
	assert.True(t, p.isCancelled())
}

func TestObserver_StartAfterDispose_DoesNothing(t *testing.T) {
	p := newFakeProvider()
	o := New(p)
	o.Dispose()
	o.Start(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Nil(t, p.fn, "no subscription should be opened")
	assert.False(t, p.queried, "no query should be issued")
}

// =========================================================================
// WAIT / JSON
// =========================================================================

func TestObserver_Wait(t *testing.T) {
	p := newFakeProvider()
	o, _, _ := startObserver(t, p)

	p.queryCh <- queryResult{id: alice}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := o.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFor(alice), st)
}

func TestObserver_Wait_ContextDone(t *testing.T) {
	o := New(newFakeProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := o.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Unresolved, st.Kind)
}

func TestState_JSONRoundTrip(t *testing.T) {
	for _, st := range []State{{Kind: Unresolved}, StateFor(nil), StateFor(alice)} {
		b, err := st.MarshalJSON()
		require.NoError(t, err)

		var got State
		require.NoError(t, got.UnmarshalJSON(b))
		assert.Equal(t, st, got)
	}
}

func TestState_UnmarshalRejectsAuthenticatedWithoutIdentity(t *testing.T) {
	var st State
	err := st.UnmarshalJSON([]byte(`{"state":"authenticated"}`))
	assert.Error(t, err)
}
