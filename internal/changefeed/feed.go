// Package changefeed delivers store mutations to subscribed sessions.
//
// Delivery is best-effort: events may be dropped, duplicated or reordered.
// Consumers must tolerate all three; the chat core does so with room
// versions, message dedup and redundant polling.
package changefeed

import (
	"clinicchat/backend/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is reported when a subscription's transport goes away.
var ErrClosed = errors.New("changefeed: subscription closed")

// Handler receives one change event.
type Handler func(models.ChangeEvent)

// ErrorHandler receives asynchronous transport errors of a subscription.
type ErrorHandler func(error)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Publisher pushes change events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Subscriber opens subscriptions scoped to one collection.
type Subscriber interface {
	Subscribe(ctx context.Context, col models.Collection, onEvent Handler, onError ErrorHandler) (Unsubscribe, error)
}

// Feed is a full change-feed transport.
type Feed interface {
	Publisher
	Subscriber
	Close() error
}

// ChannelName returns the transport channel (or topic) name for a collection.
func ChannelName(col models.Collection) string {
	return "changefeed_" + string(col)
}

func encode(ev models.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}
	return data, nil
}

func decode(data []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode change event: %w", err)
	}
	return ev, nil
}

// dispatch decodes a payload and hands it to the handler, reporting decode
// errors without tearing the subscription down.
func dispatch(col models.Collection, payload []byte, onEvent Handler, onError ErrorHandler) {
	ev, err := decode(payload)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if ev.Collection != col {
		return
	}
	onEvent(ev)
}
