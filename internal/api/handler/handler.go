package handler

import (
	"clinicchat/backend/internal/chathub"
	"clinicchat/backend/internal/models"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CleanupRunner performs one doctor-unavailability sweep.
type CleanupRunner interface {
	RunCleanup(ctx context.Context) (models.CleanupResult, error)
}

// Handler holds the dependencies of the HTTP API.
type Handler struct {
	Hub       *chathub.ManagerService
	Cleanup   CleanupRunner
	JWTSecret []byte
	AdminKey  string
}

func NewHandler(hub *chathub.ManagerService, cleanup CleanupRunner, jwtSecret, adminKey string) *Handler {
	return &Handler{
		Hub:       hub,
		Cleanup:   cleanup,
		JWTSecret: []byte(jwtSecret),
		AdminKey:  adminKey,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/ws", h.ServeWebSocket)

	api := r.Group("/api")
	api.POST("/auth/patient", h.LoginPatient)
	api.POST("/auth/admin", h.LoginAdmin)
	api.GET("/rooms", h.RequireRole(models.RoleAdmin), h.ListRooms)

	maintenance := api.Group("/maintenance")
	maintenance.GET("/cleanup-unavailability", h.CleanupUnavailability)
	maintenance.POST("/cleanup-unavailability", h.CleanupUnavailability)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": h.Hub.ClientCount()})
}
