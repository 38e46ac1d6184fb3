package models

import (
	"time"

	"gorm.io/gorm"
)

// RoomStatus is the lifecycle state of a support conversation.
type RoomStatus string

const (
	RoomPending RoomStatus = "pending"
	RoomActive  RoomStatus = "active"
	RoomDenied  RoomStatus = "denied"
	RoomEnded   RoomStatus = "ended"
)

// CanTransition reports whether a room in status s may move to status to.
// Only a pending room can be approved or denied, and only a pending or active
// room can be ended.
func (s RoomStatus) CanTransition(to RoomStatus) bool {
	switch to {
	case RoomActive, RoomDenied:
		return s == RoomPending
	case RoomEnded:
		return s == RoomPending || s == RoomActive
	default:
		return false
	}
}

// SourcesFor returns the statuses from which a room may move to status to.
func SourcesFor(to RoomStatus) []RoomStatus {
	var out []RoomStatus
	for _, from := range []RoomStatus{RoomPending, RoomActive, RoomDenied, RoomEnded} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// Room represents one patient↔admin conversation. There is one room per
// patient; a new request after the conversation ended reopens the same room.
type Room struct {
	// RoomID is derived from the patient's user id.
	RoomID string `gorm:"primaryKey" json:"room_id"`
	// PatientID and PatientName are denormalized for the admin queue.
	PatientID   string `gorm:"type:text;not null;index" json:"patient_id"`
	PatientName string `gorm:"type:text" json:"patient_name"`

	Status RoomStatus `gorm:"type:text;not null;index" json:"status"`
	// EndedBy is advisory: the role that terminated the session, if known.
	EndedBy Role `gorm:"type:text" json:"ended_by,omitempty"`

	// Version increases on every write to the room. Consumers ignore events
	// that are not newer than the last version they applied.
	Version int64 `gorm:"not null;default:0" json:"version"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the room carries a delete tombstone.
func (r *Room) IsDeleted() bool {
	return r.DeletedAt.Valid
}
