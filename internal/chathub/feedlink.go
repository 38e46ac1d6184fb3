package chathub

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/models"
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// feedLink keeps one session subscribed to the change feed and re-subscribes
// through ConnectionRecovery after a failure.
type feedLink struct {
	feed     changefeed.Subscriber
	handlers map[models.Collection]changefeed.Handler
	onChange func(connected bool)
	recovery *ConnectionRecovery

	mu        sync.Mutex
	ctx       context.Context
	unsubs    []changefeed.Unsubscribe
	connected bool
	closed    bool
}

func newFeedLink(clk clock.Clock, feed changefeed.Subscriber, handlers map[models.Collection]changefeed.Handler, onChange func(bool)) *feedLink {
	l := &feedLink{
		feed:     feed,
		handlers: handlers,
		onChange: onChange,
		ctx:      context.Background(),
	}
	l.recovery = NewConnectionRecovery(clk, l.reconnect)
	return l
}

func (l *feedLink) connect(ctx context.Context) error {
	l.mu.Lock()
	l.ctx = ctx
	l.closed = false
	l.connected = false
	l.mu.Unlock()
	l.recovery.Reset()
	return l.subscribe()
}

func (l *feedLink) subscribe() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return changefeed.ErrClosed
	}
	ctx, old := l.ctx, l.unsubs
	l.unsubs = nil
	l.mu.Unlock()

	for _, unsub := range old {
		unsub()
	}

	var unsubs []changefeed.Unsubscribe
	for _, col := range models.Collections {
		h, ok := l.handlers[col]
		if !ok {
			continue
		}
		unsub, err := l.feed.Subscribe(ctx, col, h, l.fail)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			l.setConnected(false)
			return fmt.Errorf("subscribe %s: %w", col, err)
		}
		unsubs = append(unsubs, unsub)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		for _, u := range unsubs {
			u()
		}
		return changefeed.ErrClosed
	}
	l.unsubs = unsubs
	l.mu.Unlock()

	l.setConnected(true)
	return nil
}

func (l *feedLink) reconnect() {
	if err := l.subscribe(); err != nil {
		zap.S().Warnw("change feed resubscribe failed", "error", err)
	}
}

func (l *feedLink) fail(err error) {
	zap.S().Warnw("change feed error", "error", err)
	l.setConnected(false)
}

func (l *feedLink) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *feedLink) setConnected(connected bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	changed := l.connected != connected
	l.connected = connected
	l.mu.Unlock()

	l.recovery.SetConnected(connected)
	if changed && l.onChange != nil {
		l.onChange(connected)
	}
}

func (l *feedLink) close() {
	l.mu.Lock()
	l.closed = true
	l.connected = false
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()

	l.recovery.Stop()
	for _, unsub := range unsubs {
		unsub()
	}
}
