package changefeed

import (
	"clinicchat/backend/internal/models"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// PostgresFeed delivers change events with PostgreSQL LISTEN/NOTIFY.
// Payloads over the 8000-byte NOTIFY limit are rejected by the server; the
// poll path covers such events.
type PostgresFeed struct {
	DB  *sql.DB
	DSN string
}

// NewPostgresFeed publishes through db and opens one listener connection per
// subscription using dsn.
func NewPostgresFeed(db *sql.DB, dsn string) *PostgresFeed {
	return &PostgresFeed{DB: db, DSN: dsn}
}

// Publish sends the event with pg_notify.
func (f *PostgresFeed) Publish(ctx context.Context, ev models.ChangeEvent) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	if _, err := f.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", ChannelName(ev.Collection), string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", ev.Collection, err)
	}
	return nil
}

// Subscribe opens a dedicated listener connection for the collection.
func (f *PostgresFeed) Subscribe(ctx context.Context, col models.Collection, onEvent Handler, onError ErrorHandler) (Unsubscribe, error) {
	listener := pq.NewListener(f.DSN, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			zap.S().Warnw("postgres change feed listener event", "collection", col, "event", ev, "error", err)
			if onError != nil {
				onError(err)
			}
		}
	})
	if err := listener.Listen(ChannelName(col)); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", col, err)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = listener.Close()
		})
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification follows a reconnect; anything sent while
				// disconnected is lost and left to the pollers.
				if n == nil {
					continue
				}
				dispatch(col, []byte(n.Extra), onEvent, onError)
			case <-time.After(listenerPingInterval):
				go func() {
					if err := listener.Ping(); err != nil {
						zap.S().Warnw("postgres change feed ping failed", "collection", col, "error", err)
					}
				}()
			}
		}
	}()

	return stop, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (f *PostgresFeed) Close() error {
	return nil
}
