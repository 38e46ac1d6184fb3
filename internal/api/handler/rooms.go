package handler

import (
	"clinicchat/backend/internal/models"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var knownStatuses = map[models.RoomStatus]bool{
	models.RoomPending: true,
	models.RoomActive:  true,
	models.RoomDenied:  true,
	models.RoomEnded:   true,
}

// parseStatuses reads a comma separated status filter. An empty filter
// means pending and active.
func parseStatuses(raw string) ([]models.RoomStatus, bool) {
	if strings.TrimSpace(raw) == "" {
		return []models.RoomStatus{models.RoomPending, models.RoomActive}, true
	}
	var out []models.RoomStatus
	for _, part := range strings.Split(raw, ",") {
		status := models.RoomStatus(strings.TrimSpace(part))
		if !knownStatuses[status] {
			return nil, false
		}
		out = append(out, status)
	}
	return out, true
}

// ListRooms returns the rooms in the requested statuses, oldest first.
func (h *Handler) ListRooms(c *gin.Context) {
	statuses, ok := parseStatuses(c.Query("status"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown room status"})
		return
	}

	rooms, err := h.Hub.Storage.ListRoomsByStatus(c.Request.Context(), statuses...)
	if err != nil {
		zap.S().Errorw("failed to list rooms", "statuses", statuses, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}
