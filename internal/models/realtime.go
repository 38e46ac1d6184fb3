package models

// Collection names one change-feed channel.
type Collection string

const (
	CollectionRooms    Collection = "rooms"
	CollectionMessages Collection = "messages"
	CollectionPresence Collection = "presence"
)

// Collections lists every change-feed channel.
var Collections = []Collection{CollectionRooms, CollectionMessages, CollectionPresence}

// ChangeOp is the kind of mutation carried by a ChangeEvent.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is the payload pushed through the change feed after a store
// write. Exactly one of Room, Message or Presence is set, matching Collection.
type ChangeEvent struct {
	Collection Collection `json:"collection"`
	Op         ChangeOp   `json:"op"`
	Room       *Room      `json:"room,omitempty"`
	Message    *Message   `json:"message,omitempty"`
	Presence   *Presence  `json:"presence,omitempty"`
}

// RoomEvent builds a room change event.
func RoomEvent(op ChangeOp, room Room) ChangeEvent {
	return ChangeEvent{Collection: CollectionRooms, Op: op, Room: &room}
}

// MessageEvent builds a message insert event.
func MessageEvent(msg Message) ChangeEvent {
	return ChangeEvent{Collection: CollectionMessages, Op: OpInsert, Message: &msg}
}

// PresenceEvent builds a presence update event.
func PresenceEvent(p Presence) ChangeEvent {
	return ChangeEvent{Collection: CollectionPresence, Op: OpUpdate, Presence: &p}
}
