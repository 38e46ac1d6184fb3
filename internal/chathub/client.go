package chathub

import "clinicchat/backend/internal/models"

// Client is the interface for any type of connection (e.g., WebSocket).
// It abstracts the underlying communication mechanism, allowing the hub to
// manage different client types uniformly.
type Client interface {
	// GetID returns the unique identifier of the connection. One participant
	// may hold several connections.
	GetID() string
	// GetUser returns the authenticated participant behind the connection.
	GetUser() models.Participant

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts down the connection and the session it owns. It is safe to
	// call more than once.
	Close()
}
