package chathub

import (
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/models"
	"sort"
)

// sameMessage reports whether a and b are copies of one utterance. Stored
// messages compare by id; a local entry without an id matches by text,
// sender and timestamp proximity.
func sameMessage(a, b models.Message) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	if a.ClientID != "" && a.ClientID == b.ClientID {
		return true
	}
	if a.Text != b.Text || a.SenderRole != b.SenderRole {
		return false
	}
	d := a.Timestamp.Sub(b.Timestamp)
	if d < 0 {
		d = -d
	}
	return d < config.DuplicateWindow
}

// indexOfMessage returns the position of msg's copy in list or -1. Stored
// ids are matched across the whole list, content only against the last
// DuplicateLookback entries.
func indexOfMessage(list []models.Message, msg models.Message) int {
	if msg.ID != 0 {
		for i := range list {
			if list[i].ID == msg.ID {
				return i
			}
		}
	}
	start := len(list) - config.DuplicateLookback
	if start < 0 {
		start = 0
	}
	for i := len(list) - 1; i >= start; i-- {
		if sameMessage(list[i], msg) {
			return i
		}
	}
	return -1
}

// appendUnique adds msg unless list already holds a copy. A local entry
// matched by a stored copy adopts its id.
func appendUnique(list []models.Message, msg models.Message) ([]models.Message, bool) {
	if i := indexOfMessage(list, msg); i >= 0 {
		if list[i].ID == 0 && msg.ID != 0 {
			list[i].ID = msg.ID
		}
		return list, false
	}
	list = append(list, msg)
	sortMessages(list)
	return list, true
}

// mergeMessages folds a polled history into the local list.
func mergeMessages(local, remote []models.Message) ([]models.Message, bool) {
	changed := false
	for _, msg := range remote {
		var added bool
		local, added = appendUnique(local, msg)
		changed = changed || added
	}
	return local, changed
}

// removeByClientID drops the optimistic entry tagged clientID.
func removeByClientID(list []models.Message, clientID string) []models.Message {
	out := list[:0]
	for _, m := range list {
		if m.ClientID != clientID {
			out = append(out, m)
		}
	}
	return out
}

// confirmMessage records the stored id on the optimistic entry.
func confirmMessage(list []models.Message, clientID string, id uint) {
	for i := range list {
		if list[i].ClientID == clientID {
			list[i].ID = id
			return
		}
	}
}

func sortMessages(list []models.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Timestamp.Before(list[j].Timestamp)
	})
}

func copyMessages(list []models.Message) []models.Message {
	if list == nil {
		return nil
	}
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}
