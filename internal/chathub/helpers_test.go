package chathub_test

import (
	"clinicchat/backend/internal/chathub"
	"clinicchat/backend/internal/localization"
	"clinicchat/backend/internal/models"
	"clinicchat/backend/internal/storage"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

type fixture struct {
	clk   *clock.Mock
	store *storage.MemoryStore
	opts  chathub.Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	texts, err := localization.NewLocalizer()
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return &fixture{
		clk:   clk,
		store: storage.NewMemoryStore(clk),
		opts:  chathub.Options{Clock: clk, Texts: texts},
	}
}

func patientUser(id, name string) models.Participant {
	return models.Participant{ID: id, Name: name, Role: models.RolePatient}
}

func adminUser(id string) models.Participant {
	return models.Participant{ID: id, Name: "Dr. " + id, Role: models.RoleAdmin}
}

func (f *fixture) openPatient(t *testing.T, store storage.Storage, user models.Participant) *chathub.PatientSession {
	t.Helper()
	s := chathub.NewPatientSession(store, f.store, f.opts)
	s.Open(context.Background(), user)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func (f *fixture) openAdmin(t *testing.T, store storage.Storage, user models.Participant) *chathub.AdminHub {
	t.Helper()
	h := chathub.NewAdminHub(store, f.store, f.opts)
	h.Open(context.Background(), user)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func roomIDs(entries []chathub.RoomEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.RoomID)
	}
	return out
}

func messageTexts(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func countText(msgs []models.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

// flakyStore wraps the in-memory store with injectable write failures.
type flakyStore struct {
	*storage.MemoryStore

	mu         sync.Mutex
	appendErr  error
	statusErr  error
	createRoom int
}

func newFlakyStore(m *storage.MemoryStore) *flakyStore {
	return &flakyStore{MemoryStore: m}
}

func (f *flakyStore) failAppend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

func (f *flakyStore) failStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *flakyStore) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createRoom
}

func (f *flakyStore) CreateRoom(ctx context.Context, roomID, patientID, patientName string) (*models.Room, error) {
	f.mu.Lock()
	f.createRoom++
	f.mu.Unlock()
	return f.MemoryStore.CreateRoom(ctx, roomID, patientID, patientName)
}

func (f *flakyStore) AppendMessage(ctx context.Context, roomID, text string, role models.Role, senderName string) (*models.Message, error) {
	f.mu.Lock()
	err := f.appendErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.AppendMessage(ctx, roomID, text, role, senderName)
}

func (f *flakyStore) SetRoomStatus(ctx context.Context, roomID string, status models.RoomStatus, endedBy models.Role) error {
	f.mu.Lock()
	err := f.statusErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.SetRoomStatus(ctx, roomID, status, endedBy)
}

var _ storage.Storage = (*flakyStore)(nil)
