package chathub

import (
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/localization"
	"clinicchat/backend/internal/models"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	ErrRequestDenied = errors.New("chat request was denied")
	ErrEmptyMessage  = errors.New("message is empty")
	ErrChatClosed    = errors.New("chat is closed")
	ErrRoomNotActive = errors.New("room is not active")
	ErrNoRoom        = errors.New("no such chat room")
)

// Options configures a session manager. Zero values fall back to the wall
// clock, the default poll cadences and English texts.
type Options struct {
	Clock    clock.Clock
	Timing   config.ChatTiming
	Texts    *localization.Localizer
	Language string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	def := config.DefaultChatTiming()
	if o.Timing.RoomPollInterval <= 0 {
		o.Timing.RoomPollInterval = def.RoomPollInterval
	}
	if o.Timing.MessagePollFast <= 0 {
		o.Timing.MessagePollFast = def.MessagePollFast
	}
	if o.Timing.MessagePollConnected <= 0 {
		o.Timing.MessagePollConnected = def.MessagePollConnected
	}
	if o.Language == "" {
		o.Language = localization.DefaultLanguage
	}
	return o
}

func (o Options) text(key string) string {
	if o.Texts == nil {
		return key
	}
	return o.Texts.GetString(o.Language, key)
}

// systemMessage builds a local entry for a synthetic notice.
func (o Options) systemMessage(roomID, key string) models.Message {
	return models.Message{
		RoomID:     roomID,
		Text:       o.text(key),
		SenderRole: models.RoleSystem,
		SenderName: string(models.RoleSystem),
		Timestamp:  o.Clock.Now(),
		ClientID:   uuid.NewString(),
	}
}

// listeners fans state-change notifications out to registered callbacks.
type listeners struct {
	mu  sync.Mutex
	fns []func()
}

func (l *listeners) add(fn func()) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners) notify() {
	l.mu.Lock()
	fns := make([]func(), len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
