package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sakif/discord-notify/internal/model"
)

// Provider is an identity source with a one-shot query and a push feed.
//
// CurrentIdentity answers "who is signed in right now"; a nil identity with a
// nil error means nobody. Subscribe delivers every identity change (nil on
// sign-out) until the returned Subscription is cancelled.
type Provider interface {
	CurrentIdentity(ctx context.Context) (*model.Identity, error)
	Subscribe(ctx context.Context, fn func(*model.Identity)) (Subscription, error)
}

// Subscription is a live feed registration.
type Subscription interface {
	Cancel()
}

// Resolution sources, as reported to a Recorder.
const (
	SourceQuery = "query"
	SourceFeed  = "feed"
)

// Recorder receives one call per resolution attempt. applied is false when
// the attempt was superseded by a newer one or arrived after Dispose.
type Recorder interface {
	ObserveResolution(source string, applied bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveResolution(string, bool) {}

// Option configures an Observer.
type Option func(*Observer)

// WithOnChange registers the state-update callback. It runs on the goroutine
// that produced the update and must not call Dispose.
func WithOnChange(fn func(State)) Option {
	return func(o *Observer) { o.onChange = fn }
}

// WithLogger sets the logger used for provider failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) { o.logger = logger }
}

// WithRecorder sets the resolution recorder (metrics, tests).
func WithRecorder(r Recorder) Option {
	return func(o *Observer) { o.recorder = r }
}

// Observer exposes one current State for a UI session, combining a one-shot
// identity query with the provider's change feed.
//
// ORDERING:
// Every resolution attempt carries a sequence number taken when it becomes a
// candidate. The one-shot query takes its number when it is issued, which is
// before the subscription opens; feed events take theirs on arrival. Only an
// attempt numbered above the last applied one is applied. So a feed event
// that lands before the query answers makes the query result stale, while a
// query answer that lands first is provisional and any later feed event
// overwrites it.
type Observer struct {
	provider Provider
	onChange func(State)
	logger   *slog.Logger
	recorder Recorder

	mu       sync.Mutex
	state    State
	nextSeq  uint64
	applied  uint64
	started  bool
	disposed bool
	sub      Subscription
	cancel   context.CancelFunc
	ready    chan struct{}

	// emitMu serialises onChange calls and lets Dispose wait out one in flight.
	emitMu  sync.Mutex
	emitted uint64
}

// New returns an Observer in the Unresolved state. Call Start to begin
// observing and Dispose when the owning session ends.
func New(p Provider, opts ...Option) *Observer {
	o := &Observer{
		provider: p,
		logger:   slog.New(slog.DiscardHandler),
		recorder: nopRecorder{},
		state:    State{Kind: Unresolved},
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start issues the one-shot query in the background and opens the feed
// subscription. It returns once the subscription is open or has failed; a
// failed subscription is logged and not retried. Calling Start twice, or after
// Dispose, does nothing.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started || o.disposed {
		o.mu.Unlock()
		return
	}
	o.started = true
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.nextSeq++
	querySeq := o.nextSeq
	o.mu.Unlock()

	go o.query(ctx, querySeq)

	sub, err := o.provider.Subscribe(ctx, o.onFeed)
	if err != nil {
		o.logger.Warn("identity feed subscription failed", slog.String("error", err.Error()))
		return
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		sub.Cancel()
		return
	}
	o.sub = sub
	o.mu.Unlock()
}

func (o *Observer) query(ctx context.Context, seq uint64) {
	id, err := o.provider.CurrentIdentity(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("identity query failed, treating session as anonymous",
				slog.String("error", err.Error()),
			)
		}
		id = nil
	}
	o.resolve(seq, SourceQuery, StateFor(id))
}

func (o *Observer) onFeed(id *model.Identity) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		o.recorder.ObserveResolution(SourceFeed, false)
		return
	}
	o.nextSeq++
	seq := o.nextSeq
	o.mu.Unlock()

	o.resolve(seq, SourceFeed, StateFor(id))
}

func (o *Observer) resolve(seq uint64, source string, st State) {
	o.mu.Lock()
	if o.disposed || seq <= o.applied {
		o.mu.Unlock()
		o.recorder.ObserveResolution(source, false)
		return
	}
	o.applied = seq
	o.state = st
	if !isClosed(o.ready) {
		close(o.ready)
	}
	o.mu.Unlock()

	o.recorder.ObserveResolution(source, true)
	o.emit(seq, st)
}

func (o *Observer) emit(seq uint64, st State) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	disposed := o.disposed
	o.mu.Unlock()

	// A newer state may already have been delivered while this one waited.
	if disposed || seq <= o.emitted {
		return
	}
	o.emitted = seq
	if o.onChange != nil {
		o.onChange(st)
	}
}

// State returns the current value.
func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Ready is closed once the state has left Unresolved.
func (o *Observer) Ready() <-chan struct{} {
	return o.ready
}

// Wait blocks until the state is resolved or ctx is done.
func (o *Observer) Wait(ctx context.Context) (State, error) {
	select {
	case <-o.ready:
		return o.State(), nil
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

// Dispose cancels the subscription and any in-flight query. After it returns
// the state no longer changes and onChange is not called again, even if the
// provider keeps emitting. Safe to call more than once.
func (o *Observer) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	sub, cancel := o.sub, o.cancel
	o.sub = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Cancel()
	}

	o.emitMu.Lock()
	o.emitMu.Unlock() //nolint:staticcheck // waits for an in-flight onChange
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
