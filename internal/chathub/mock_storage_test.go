package chathub_test

import (
	"clinicchat/backend/internal/models"
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) CreateRoom(ctx context.Context, roomID, patientID, patientName string) (*models.Room, error) {
	args := m.Called(ctx, roomID, patientID, patientName)
	room, _ := args.Get(0).(*models.Room)
	return room, args.Error(1)
}

func (m *MockStorage) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	args := m.Called(ctx, roomID)
	room, _ := args.Get(0).(*models.Room)
	return room, args.Error(1)
}

func (m *MockStorage) SetRoomStatus(ctx context.Context, roomID string, status models.RoomStatus, endedBy models.Role) error {
	args := m.Called(ctx, roomID, status, endedBy)
	return args.Error(0)
}

func (m *MockStorage) DeleteRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *MockStorage) ListRoomsByStatus(ctx context.Context, statuses ...models.RoomStatus) ([]models.Room, error) {
	args := m.Called(ctx, statuses)
	rooms, _ := args.Get(0).([]models.Room)
	return rooms, args.Error(1)
}

func (m *MockStorage) AppendMessage(ctx context.Context, roomID, text string, role models.Role, senderName string) (*models.Message, error) {
	args := m.Called(ctx, roomID, text, role, senderName)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MockStorage) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	args := m.Called(ctx, roomID)
	msgs, _ := args.Get(0).([]models.Message)
	return msgs, args.Error(1)
}

func (m *MockStorage) SetPresence(ctx context.Context, p models.Presence) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockStorage) GetPresence(ctx context.Context, userID string) (*models.Presence, error) {
	args := m.Called(ctx, userID)
	p, _ := args.Get(0).(*models.Presence)
	return p, args.Error(1)
}

func (m *MockStorage) IsAdminOnline(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}
