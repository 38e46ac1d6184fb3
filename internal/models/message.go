package models

import "time"

// Message is one immutable chat utterance. Messages are append-only per room
// and ordered by Timestamp.
type Message struct {
	// ID is assigned by the store and increases with every insert.
	// Zero means the message exists only locally (optimistic or unsaved).
	ID     uint   `gorm:"primaryKey" json:"id"`
	RoomID string `gorm:"type:text;not null;index:idx_room_msg" json:"room_id"`
	Text   string `gorm:"type:text;not null" json:"text"`
	// SenderRole is admin, patient or system (synthetic notices).
	SenderRole Role      `gorm:"type:text;not null" json:"sender_role"`
	SenderName string    `gorm:"type:text" json:"sender_name"`
	Timestamp  time.Time `gorm:"not null;index:idx_room_msg" json:"timestamp"`

	// ClientID correlates an optimistic local entry with its stored copy.
	ClientID string `gorm:"-" json:"client_id,omitempty"`
}
