package models_test

import (
	"clinicchat/backend/internal/models"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRoomStatus_CanTransition verifies the room lifecycle table.
func TestRoomStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to models.RoomStatus
		want     bool
	}{
		{models.RoomPending, models.RoomActive, true},
		{models.RoomPending, models.RoomDenied, true},
		{models.RoomPending, models.RoomEnded, true},
		{models.RoomActive, models.RoomEnded, true},
		{models.RoomActive, models.RoomDenied, false},
		{models.RoomActive, models.RoomActive, false},
		{models.RoomDenied, models.RoomActive, false},
		{models.RoomDenied, models.RoomEnded, false},
		{models.RoomEnded, models.RoomActive, false},
		{models.RoomEnded, models.RoomPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSourcesFor(t *testing.T) {
	assert.Equal(t, []models.RoomStatus{models.RoomPending}, models.SourcesFor(models.RoomActive))
	assert.Equal(t, []models.RoomStatus{models.RoomPending, models.RoomActive}, models.SourcesFor(models.RoomEnded))
	assert.Empty(t, models.SourcesFor(models.RoomPending))
}

// TestRoomStructTags catches accidental tag removal during refactoring.
func TestRoomStructTags(t *testing.T) {
	roomType := reflect.TypeOf(models.Room{})

	idField, found := roomType.FieldByName("RoomID")
	assert.True(t, found)
	assert.Contains(t, idField.Tag.Get("gorm"), "primaryKey")
	assert.Equal(t, "room_id", idField.Tag.Get("json"))

	clientField, found := reflect.TypeOf(models.Message{}).FieldByName("ClientID")
	assert.True(t, found)
	assert.Equal(t, "-", clientField.Tag.Get("gorm"), "ClientID must not be persisted")
}

func TestParticipant_PresenceID(t *testing.T) {
	admin := models.Participant{ID: "a1", Role: models.RoleAdmin}
	patient := models.Participant{ID: "p1", Role: models.RolePatient}

	assert.Equal(t, "admin:a1", admin.PresenceID())
	assert.Equal(t, "p1", patient.PresenceID())
	assert.True(t, models.IsAdminIdentity(admin.PresenceID()))
	assert.False(t, models.IsAdminIdentity(patient.PresenceID()))
}
