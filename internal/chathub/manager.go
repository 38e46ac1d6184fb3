package chathub

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/models"
	"clinicchat/backend/internal/storage"
	"context"
	"sync"

	"go.uber.org/zap"
)

// ManagerService owns the registry of connected clients and hands out
// session managers wired to the shared store and feed.
type ManagerService struct {
	RegisterCh   chan Client
	UnregisterCh chan Client

	Storage storage.Storage
	Feed    changefeed.Subscriber
	Options Options

	mu      sync.RWMutex
	clients map[string]Client
	done    chan struct{}
}

// NewManagerService Constructor
func NewManagerService(store storage.Storage, feed changefeed.Subscriber, opts Options) *ManagerService {
	return &ManagerService{
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Storage:      store,
		Feed:         feed,
		Options:      opts,
		clients:      make(map[string]Client),
		done:         make(chan struct{}),
	}
}

// NewPatientSession creates a patient session on the shared store and feed.
func (m *ManagerService) NewPatientSession() *PatientSession {
	return NewPatientSession(m.Storage, m.Feed, m.Options)
}

// NewAdminHub creates an admin hub on the shared store and feed.
func (m *ManagerService) NewAdminHub() *AdminHub {
	return NewAdminHub(m.Storage, m.Feed, m.Options)
}

// Run registers and unregisters clients until ctx is cancelled, then closes
// every remaining client.
func (m *ManagerService) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			clients := m.clients
			m.clients = make(map[string]Client)
			m.mu.Unlock()
			for _, c := range clients {
				c.Close()
			}
			zap.S().Infow("client manager stopped", "closedClients", len(clients))
			return

		case client := <-m.RegisterCh:
			m.mu.Lock()
			m.clients[client.GetID()] = client
			m.mu.Unlock()
			client.Run()
			zap.S().Infow("client registered", "clientID", client.GetID(), "userID", client.GetUser().ID, "role", client.GetUser().Role)

		case client := <-m.UnregisterCh:
			m.mu.Lock()
			existing, ok := m.clients[client.GetID()]
			if ok && existing == client {
				delete(m.clients, client.GetID())
			}
			m.mu.Unlock()
			client.Close()
			zap.S().Infow("client unregistered", "clientID", client.GetID())
		}
	}
}

// Register hands a client to the run loop. It returns false if the loop has
// stopped.
func (m *ManagerService) Register(c Client) bool {
	select {
	case m.RegisterCh <- c:
		return true
	case <-m.done:
		return false
	}
}

// Unregister removes a client and closes it.
func (m *ManagerService) Unregister(c Client) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
		c.Close()
	}
}

// Client returns the registered client with the given connection id.
func (m *ManagerService) Client(id string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// ClientCount returns the number of registered clients.
func (m *ManagerService) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// RecoverActiveRooms logs the conversations that were open before a restart.
// Their sessions resume when the participants reconnect.
func (m *ManagerService) RecoverActiveRooms(ctx context.Context) {
	zap.S().Info("Starting active room recovery process...")

	rooms, err := m.Storage.ListRoomsByStatus(ctx, models.RoomPending, models.RoomActive)
	if err != nil {
		zap.S().Errorw("failed to retrieve open rooms from storage", "error", err)
		return
	}

	pending := 0
	for _, room := range rooms {
		if room.Status == models.RoomPending {
			pending++
		}
		zap.S().Debugw("open room", "roomID", room.RoomID, "status", room.Status, "patient", room.PatientName)
	}

	zap.S().Infow("recovery complete", "pendingRooms", pending, "activeRooms", len(rooms)-pending)
}
