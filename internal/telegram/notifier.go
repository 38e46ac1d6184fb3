// Package telegram alerts the clinic's admin chat about new chat requests
// through the Telegram Bot API.
package telegram

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/localization"
	"clinicchat/backend/internal/models"
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const alertQueueSize = 32

// messageSender is the part of the bot API the notifier needs.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends one alert per pending room version to an admin chat.
type Notifier struct {
	sender   messageSender
	chatID   int64
	texts    *localization.Localizer
	language string

	mu       sync.Mutex
	notified map[string]int64
	alerts   chan models.Room
}

// NewNotifier authorizes the bot and returns a notifier posting to chatID.
func NewNotifier(token string, chatID int64, texts *localization.Localizer, language string) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorize: %w", err)
	}
	bot.Debug = false
	zap.S().Infow("telegram bot authorized", "account", bot.Self.UserName)

	return newNotifier(bot, chatID, texts, language), nil
}

func newNotifier(sender messageSender, chatID int64, texts *localization.Localizer, language string) *Notifier {
	if language == "" {
		language = localization.DefaultLanguage
	}
	return &Notifier{
		sender:   sender,
		chatID:   chatID,
		texts:    texts,
		language: language,
		notified: make(map[string]int64),
		alerts:   make(chan models.Room, alertQueueSize),
	}
}

// NotifyRequest posts a new-request alert for room.
func (n *Notifier) NotifyRequest(room models.Room) error {
	format := "telegram_new_request"
	if n.texts != nil {
		format = n.texts.GetString(n.language, format)
	}
	name := room.PatientName
	if name == "" {
		name = room.PatientID
	}

	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf(format, name, room.RoomID))
	if _, err := n.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// HandleRoomEvent queues an alert the first time a pending room version is
// seen. The send itself happens on the notifier's worker.
func (n *Notifier) HandleRoomEvent(ev models.ChangeEvent) {
	room := ev.Room
	if room == nil || ev.Op == models.OpDelete || room.IsDeleted() || room.Status != models.RoomPending {
		return
	}

	n.mu.Lock()
	if room.Version <= n.notified[room.RoomID] {
		n.mu.Unlock()
		return
	}
	n.notified[room.RoomID] = room.Version
	n.mu.Unlock()

	select {
	case n.alerts <- *room:
	default:
		zap.S().Warnw("telegram alert queue full, dropping alert", "roomID", room.RoomID)
	}
}

// Start subscribes to room changes and sends alerts until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context, feed changefeed.Subscriber) error {
	unsub, err := feed.Subscribe(ctx, models.CollectionRooms, n.HandleRoomEvent, func(err error) {
		zap.S().Warnw("telegram watcher feed error", "error", err)
	})
	if err != nil {
		return fmt.Errorf("telegram watcher subscribe: %w", err)
	}

	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case room := <-n.alerts:
				if err := n.NotifyRequest(room); err != nil {
					zap.S().Warnw("failed to send telegram alert", "roomID", room.RoomID, "error", err)
					continue
				}
				zap.S().Infow("telegram alert sent", "roomID", room.RoomID, "version", room.Version)
			}
		}
	}()
	return nil
}
