package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
)

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("identity: parsing redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("identity: pinging redis: %w", err)
	}
	return rdb, nil
}

func channelFor(sessionID string) string {
	return "identity:" + sessionID
}

// RedisFeed is a Feed over Redis Pub/Sub, for running more than one server
// instance: a login handled by one instance reaches sockets held by another.
type RedisFeed struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

var _ Feed = (*RedisFeed)(nil)

// NewRedisFeed wraps an open client. The caller owns rdb.
func NewRedisFeed(rdb *goredis.Client, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{rdb: rdb, logger: logger}
}

// Publish sends ev as JSON on the session's channel.
func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("identity: marshaling event: %w", err)
	}
	if err := f.rdb.Publish(ctx, channelFor(ev.SessionID), data).Err(); err != nil {
		return fmt.Errorf("identity: publishing event: %w", err)
	}
	return nil
}

type redisSub struct {
	sub    *goredis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel unsubscribes and waits for the delivery goroutine to exit, so fn is
// never called after Cancel returns.
func (s *redisSub) Cancel() {
	s.cancel()
	_ = s.sub.Close()
	<-s.done
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published after Subscribe returns can be missed.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string, fn func(Event)) (Subscription, error) {
	sub := f.rdb.Subscribe(ctx, channelFor(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("identity: subscribing to %s: %w", channelFor(sessionID), err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{sub: sub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.logger.Warn("dropping malformed identity event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				fn(ev)
			case <-subCtx.Done():
				return
			}
		}
	}()

	return s, nil
}
