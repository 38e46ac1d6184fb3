package chathub

import (
	"clinicchat/backend/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func msg(id uint, text string, role models.Role, at time.Time) models.Message {
	return models.Message{ID: id, RoomID: "p1", Text: text, SenderRole: role, Timestamp: at}
}

func texts(list []models.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.Text)
	}
	return out
}

func TestAppendUnique_AdoptsStoredID(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	local := []models.Message{msg(0, "hello", models.RolePatient, now)}

	got, added := appendUnique(local, msg(7, "hello", models.RolePatient, now.Add(300*time.Millisecond)))

	assert.False(t, added)
	assert.Len(t, got, 1)
	assert.Equal(t, uint(7), got[0].ID)
}

func TestAppendUnique_DistinctIDsAreKept(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	local := []models.Message{msg(1, "ok", models.RoleAdmin, now)}

	got, added := appendUnique(local, msg(2, "ok", models.RoleAdmin, now))

	assert.True(t, added)
	assert.Equal(t, []string{"ok", "ok"}, texts(got))
}

func TestAppendUnique_SameTextOutsideWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	local := []models.Message{msg(0, "ok", models.RoleAdmin, now)}

	got, added := appendUnique(local, msg(0, "ok", models.RoleAdmin, now.Add(2*time.Second)))

	assert.True(t, added)
	assert.Len(t, got, 2)
}

func TestAppendUnique_DifferentRole(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	local := []models.Message{msg(0, "yes", models.RolePatient, now)}

	_, added := appendUnique(local, msg(0, "yes", models.RoleAdmin, now))

	assert.True(t, added)
}

func TestAppendUnique_ContentMatchOnlyLooksBack(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	local := []models.Message{msg(0, "hi", models.RolePatient, now)}
	for i := 0; i < 5; i++ {
		local = append(local, msg(0, "filler", models.RoleAdmin, now.Add(time.Duration(i)*time.Millisecond)))
	}

	_, added := appendUnique(local, msg(0, "hi", models.RolePatient, now))

	assert.True(t, added)
}

func TestMergeMessages_KeepsOrderAndDropsDuplicates(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	local := []models.Message{
		msg(1, "hello", models.RolePatient, now),
		msg(0, "world", models.RolePatient, now.Add(time.Second)),
	}
	remote := []models.Message{
		msg(1, "hello", models.RolePatient, now),
		msg(2, "world", models.RolePatient, now.Add(time.Second)),
		msg(3, "hi there", models.RoleAdmin, now.Add(500*time.Millisecond)),
	}

	got, changed := mergeMessages(local, remote)

	assert.True(t, changed)
	assert.Equal(t, []string{"hello", "hi there", "world"}, texts(got))
	assert.Equal(t, uint(2), got[2].ID)

	_, changed = mergeMessages(got, remote)
	assert.False(t, changed)
}

func TestRemoveAndConfirmByClientID(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := msg(0, "a", models.RolePatient, now)
	a.ClientID = "c-a"
	b := msg(0, "b", models.RolePatient, now)
	b.ClientID = "c-b"
	list := []models.Message{a, b}

	confirmMessage(list, "c-b", 9)
	assert.Equal(t, uint(9), list[1].ID)

	list = removeByClientID(list, "c-a")
	assert.Equal(t, []string{"b"}, texts(list))
}
