package chathub_test

import (
	"clinicchat/backend/internal/chathub"
	"clinicchat/backend/internal/models"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatientSession_RequestIsIdempotent(t *testing.T) {
	// Arrange
	f := newFixture(t)
	store := newFlakyStore(f.store)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, store, user)
	ctx := context.Background()

	// Act
	require.NoError(t, s.Request(ctx, user))
	require.NoError(t, s.Request(ctx, user))

	// Assert
	assert.Equal(t, 1, store.creates())
	st := s.State()
	assert.True(t, st.Pending)
	assert.False(t, st.Approved)
	assert.Equal(t, "p1", st.RoomID)

	room, err := f.store.GetRoom(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RoomPending, room.Status)
	assert.Equal(t, int64(1), room.Version)
}

func TestPatientSession_OpenTreatsEndedRoomAsFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateRoom(ctx, "p1", "p1", "Alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetRoomStatus(ctx, "p1", models.RoomActive, ""))
	_, err = f.store.AppendMessage(ctx, "p1", "old conversation", models.RolePatient, "Alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetRoomStatus(ctx, "p1", models.RoomEnded, models.RolePatient))

	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)

	st := s.State()
	assert.False(t, st.ChatEnded)
	assert.False(t, st.Pending)
	assert.Empty(t, st.Messages)

	require.NoError(t, s.Request(ctx, user))

	st = s.State()
	assert.True(t, st.Pending)
	assert.Empty(t, st.Messages)
	room, err := f.store.GetRoom(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RoomPending, room.Status)
	assert.Equal(t, int64(4), room.Version)
	history, err := f.store.ListMessages(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPatientSession_SendMessageRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	store := newFlakyStore(f.store)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, store, user)
	ctx := context.Background()
	require.NoError(t, s.Request(ctx, user))

	boom := errors.New("write failed")
	store.failAppend(boom)
	err := s.SendMessage(ctx, "hello")

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.State().Messages)

	store.failAppend(nil)
	require.NoError(t, s.SendMessage(ctx, "  hello  "))

	msgs := s.State().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.NotZero(t, msgs[0].ID)
}

func TestPatientSession_SendMessageWithoutRoomRequestsOne(t *testing.T) {
	f := newFixture(t)
	s := f.openPatient(t, f.store, patientUser("p1", "Alice"))
	ctx := context.Background()

	require.NoError(t, s.SendMessage(ctx, "I need help"))

	assert.True(t, s.State().Pending)
	history, err := f.store.ListMessages(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"I need help"}, messageTexts(history))
}

func TestPatientSession_SendMessageValidation(t *testing.T) {
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	ctx := context.Background()

	assert.ErrorIs(t, s.SendMessage(ctx, "   "), chathub.ErrEmptyMessage)

	require.NoError(t, s.Request(ctx, user))
	require.NoError(t, f.store.SetRoomStatus(ctx, "p1", models.RoomDenied, ""))

	assert.True(t, s.State().Denied)
	assert.ErrorIs(t, s.SendMessage(ctx, "hello?"), chathub.ErrChatClosed)
	assert.ErrorIs(t, s.Request(ctx, user), chathub.ErrRequestDenied)
}

func TestPatientSession_RefreshStartsOver(t *testing.T) {
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	ctx := context.Background()
	require.NoError(t, s.Request(ctx, user))
	require.NoError(t, f.store.SetRoomStatus(ctx, "p1", models.RoomDenied, ""))
	require.True(t, s.State().Denied)

	s.Refresh(user)

	assert.False(t, s.State().Denied)
	require.Eventually(t, func() bool { return s.State().Pending }, waitFor, tick)
	room, err := f.store.GetRoom(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RoomPending, room.Status)
}

func TestPatientSession_InactivityAutoEnd(t *testing.T) {
	// Arrange
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	ctx := context.Background()
	require.NoError(t, s.Request(ctx, user))
	require.NoError(t, f.store.SetRoomStatus(ctx, "p1", models.RoomActive, ""))
	require.True(t, s.State().Approved)

	// Act / Assert: one warning per silent minute.
	for i := 1; i <= 4; i++ {
		f.clk.Add(time.Minute)
		require.Eventually(t, func() bool {
			st := s.State()
			return st.InactivityMinutes == i && st.ShowInactivityWarning
		}, waitFor, tick, "warning %d", i)
	}

	f.clk.Add(time.Minute)
	require.Eventually(t, func() bool { return s.State().ChatEnded }, waitFor, tick)

	st := s.State()
	assert.Equal(t, models.RolePatient, st.EndedBy)
	assert.Equal(t, 5, st.InactivityMinutes)
	assert.False(t, st.ShowInactivityWarning)
	assert.Equal(t, 1, countText(st.Messages, "Are you still there?"))
	assert.Equal(t, 1, countText(st.Messages, "Chat will end in 1 minute"))
	assert.Equal(t, 1, countText(st.Messages, "Chat ended due to inactivity"))

	require.Eventually(t, func() bool {
		room, err := f.store.GetRoom(ctx, "p1")
		return err == nil && room.Status == models.RoomEnded && room.EndedBy == models.RolePatient
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		history, err := f.store.ListMessages(ctx, "p1")
		return err == nil && len(history) == 5
	}, waitFor, tick)
}

func TestPatientSession_ActivityRestartsInactivity(t *testing.T) {
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	ctx := context.Background()
	require.NoError(t, s.Request(ctx, user))
	require.NoError(t, f.store.SetRoomStatus(ctx, "p1", models.RoomActive, ""))

	for i := 1; i <= 4; i++ {
		f.clk.Add(time.Minute)
		require.Eventually(t, func() bool { return s.State().InactivityMinutes == i }, waitFor, tick)
	}

	// Typing at 250s clears the warning.
	f.clk.Add(10 * time.Second)
	s.SendTyping(ctx, true)
	st := s.State()
	assert.Equal(t, 0, st.InactivityMinutes)
	assert.False(t, st.ShowInactivityWarning)

	// 300s passes without an auto-end.
	f.clk.Add(50 * time.Second)
	assert.Never(t, func() bool { return s.State().ChatEnded }, 50*time.Millisecond, 5*time.Millisecond)

	// 310s is one minute after the activity.
	f.clk.Add(10 * time.Second)
	require.Eventually(t, func() bool { return s.State().InactivityMinutes == 1 }, waitFor, tick)
	assert.False(t, s.State().ChatEnded)
}

func TestPatientSession_IgnoresStaleRoomEvents(t *testing.T) {
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	ctx := context.Background()
	require.NoError(t, s.Request(ctx, user))
	require.NoError(t, f.store.SetRoomStatus(ctx, "p1", models.RoomActive, ""))

	s.HandleRoomEvent(models.RoomEvent(models.OpUpdate, models.Room{RoomID: "p1", Status: models.RoomPending, Version: 1}))
	s.HandleRoomEvent(models.RoomEvent(models.OpUpdate, models.Room{RoomID: "p1", Status: models.RoomEnded, Version: 2}))

	st := s.State()
	assert.True(t, st.Approved)
	assert.False(t, st.ChatEnded)
}

func TestPatientSession_EndedByFallsBackToLocalRole(t *testing.T) {
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	require.NoError(t, s.Request(context.Background(), user))

	s.HandleRoomEvent(models.RoomEvent(models.OpUpdate, models.Room{RoomID: "p1", Status: models.RoomEnded, Version: 99}))

	st := s.State()
	assert.True(t, st.ChatEnded)
	assert.Equal(t, models.RolePatient, st.EndedBy)
}

func TestPatientSession_DeleteEventResets(t *testing.T) {
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	ctx := context.Background()
	require.NoError(t, s.Request(ctx, user))

	require.NoError(t, f.store.DeleteRoom(ctx, "p1"))

	st := s.State()
	assert.False(t, st.Pending)
	assert.False(t, st.ChatEnded)
	assert.Equal(t, "p1", st.RoomID)
}

func TestPatientSession_OnChangeNotifies(t *testing.T) {
	f := newFixture(t)
	user := patientUser("p1", "Alice")
	s := chathub.NewPatientSession(f.store, f.store, f.opts)
	changes := make(chan struct{}, 64)
	s.OnChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	s.Open(context.Background(), user)
	t.Cleanup(func() { s.Close(context.Background()) })

	select {
	case <-changes:
	case <-time.After(waitFor):
		t.Fatal("no change notification after open")
	}
}

func TestPatientSession_FailedEndRecoversFromPoll(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	h := f.openAdmin(t, f.store, adminUser("a1"))
	store := newFlakyStore(f.store)
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, store, user)
	require.NoError(t, s.Request(ctx, user))
	require.NoError(t, h.Approve(ctx, "p1"))
	require.True(t, s.State().Approved)

	// Act
	store.failStatus(errors.New("database unavailable"))
	err := s.End(ctx)

	// Assert
	require.Error(t, err)
	room, err := f.store.GetRoom(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RoomActive, room.Status)

	// The store still says active; the session goes back to it.
	require.Eventually(t, func() bool {
		st := s.State()
		return st.Approved && !st.ChatEnded
	}, waitFor, tick)
	assert.Zero(t, countText(s.State().Messages, "Chat has been ended by the patient"))
	assert.Equal(t, []string{"p1"}, roomIDs(h.State().ActiveChats))
	assert.False(t, h.State().ChatEndedByID["p1"])

	// Once the store recovers the end goes through.
	store.failStatus(nil)
	require.NoError(t, s.End(ctx))
	room, err = f.store.GetRoom(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.RoomEnded, room.Status)
	assert.True(t, s.State().ChatEnded)
	require.Eventually(t, func() bool { return h.State().ChatEndedByID["p1"] }, waitFor, tick)
}

func TestPatientSession_SendMessageClearsTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := patientUser("p1", "Alice")
	s := f.openPatient(t, f.store, user)
	require.NoError(t, s.Request(ctx, user))

	s.SendTyping(ctx, true)
	require.NoError(t, s.SendMessage(ctx, "hello"))

	require.Eventually(t, func() bool {
		p, err := f.store.GetPresence(ctx, "p1")
		return err == nil && p != nil && !p.IsTyping
	}, waitFor, tick)

	// The periodic presence refresh keeps it cleared.
	f.clk.Add(30 * time.Second)
	assert.Never(t, func() bool {
		p, err := f.store.GetPresence(ctx, "p1")
		return err != nil || p == nil || p.IsTyping
	}, 50*time.Millisecond, 5*time.Millisecond)
}
