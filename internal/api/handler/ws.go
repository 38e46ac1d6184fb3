package handler

import (
	"clinicchat/backend/internal/chathub"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict to the clinic frontend origins once they are configurable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades an authenticated request and hands the connection
// to the client manager.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	user, err := h.authenticate(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.S().Warnw("websocket upgrade failed", "userID", user.ID, "error", err)
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, user)
	if !h.Hub.Register(client) {
		zap.S().Warnw("client manager stopped, rejecting connection", "userID", user.ID)
		client.Close()
		conn.Close()
	}
}
