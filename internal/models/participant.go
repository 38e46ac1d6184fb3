package models

import (
	"strings"
	"time"
)

// Role is the kind of actor in a conversation.
type Role string

const (
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Participant is the authenticated actor a chat session belongs to.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// AdminPresencePrefix namespaces admin presence identities. Each admin
// session writes its own presence record instead of sharing one row.
const AdminPresencePrefix = "admin:"

// PresenceID returns the presence identity of the participant. Patients use
// their room id, admins a namespaced id.
func (p Participant) PresenceID() string {
	if p.Role == RoleAdmin {
		return AdminPresencePrefix + p.ID
	}
	return p.ID
}

// Presence is a participant's liveness and typing signal. It is never an
// authoritative source of session state.
type Presence struct {
	UserID        string    `json:"user_id"`
	Role          Role      `json:"role"`
	IsOnline      bool      `json:"is_online"`
	CurrentRoomID string    `json:"current_room_id,omitempty"`
	IsTyping      bool      `json:"is_typing"`
	LastSeen      time.Time `json:"last_seen"`
}

// IsAdminIdentity reports whether a presence user id belongs to an admin.
func IsAdminIdentity(userID string) bool {
	return strings.HasPrefix(userID, AdminPresencePrefix)
}
