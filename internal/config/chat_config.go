package config

import "time"

const (
	// Inactivity: one warning per step, auto-end after InactivityWarnings+1 steps.
	InactivityStep     = 1 * time.Minute
	InactivityWarnings = 4

	// Admin hub keeps a remotely ended chat visible this long before moving it to closed chats.
	EndGracePeriod = 5 * time.Second
	// Peer typing indicator is cleared if no follow-up presence update arrives.
	TypingFallback = 10 * time.Second

	// Polling
	DefaultRoomPollInterval     = 30 * time.Second
	DefaultMessagePollFast      = 3 * time.Second
	DefaultMessagePollConnected = 10 * time.Second

	// Feed reconnect backoff: BackoffBase * 2^attempt + up to BackoffJitter, capped.
	BackoffBase        = 1 * time.Second
	BackoffJitter      = 1 * time.Second
	BackoffCap         = 60 * time.Second
	BackoffMaxAttempts = 5

	// Presence
	PresenceTTL = 2 * time.Minute

	// Messages within this window with the same text and sender are the same message.
	DuplicateWindow = 1000 * time.Millisecond
	// How many trailing local messages are checked for a content duplicate.
	DuplicateLookback = 5
)

// ChatTiming groups the poll cadences that can be overridden from the environment.
type ChatTiming struct {
	RoomPollInterval     time.Duration
	MessagePollFast      time.Duration
	MessagePollConnected time.Duration
}

// DefaultChatTiming returns the built-in poll cadences.
func DefaultChatTiming() ChatTiming {
	return ChatTiming{
		RoomPollInterval:     DefaultRoomPollInterval,
		MessagePollFast:      DefaultMessagePollFast,
		MessagePollConnected: DefaultMessagePollConnected,
	}
}
