package changefeed

import (
	"clinicchat/backend/internal/models"
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFeed publishes change events over Redis Pub/Sub, one channel per
// collection.
type RedisFeed struct {
	Redis *redis.Client
}

// NewRedisFeed wraps an existing Redis client. The caller owns the client.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{Redis: rdb}
}

// Publish sends the event to the collection's channel.
func (f *RedisFeed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	if err := f.Redis.Publish(ctx, ChannelName(ev.Collection), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Collection, err)
	}
	return nil
}

// Subscribe listens on the collection's channel until the returned function
// is called or ctx is cancelled.
func (f *RedisFeed) Subscribe(ctx context.Context, col models.Collection, onEvent Handler, onError ErrorHandler) (Unsubscribe, error) {
	pubsub := f.Redis.Subscribe(ctx, ChannelName(col))

	// Receive blocks until the subscription is confirmed, so connection
	// problems surface here instead of on the first message.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", col, err)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					select {
					case <-done:
					default:
						zap.S().Warnw("redis change feed channel closed", "collection", col)
						if onError != nil {
							onError(ErrClosed)
						}
					}
					return
				}
				dispatch(col, []byte(msg.Payload), onEvent, onError)
			}
		}
	}()

	return stop, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (f *RedisFeed) Close() error {
	return nil
}
