package chathub_test

import (
	"clinicchat/backend/internal/models"
	"sync/atomic"
)

type MockClient struct {
	id     string
	user   models.Participant
	runs   int32
	closes int32
}

func newMockClient(id string, user models.Participant) *MockClient {
	return &MockClient{id: id, user: user}
}

func (c *MockClient) GetID() string {
	return c.id
}

func (c *MockClient) GetUser() models.Participant {
	return c.user
}

func (c *MockClient) Run() {
	atomic.AddInt32(&c.runs, 1)
}

func (c *MockClient) Close() {
	atomic.AddInt32(&c.closes, 1)
}

func (c *MockClient) closed() bool {
	return atomic.LoadInt32(&c.closes) > 0
}

func (c *MockClient) ran() bool {
	return atomic.LoadInt32(&c.runs) > 0
}
