package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CleanupUnavailability deletes expired doctor unavailability periods and
// marks the affected doctors available again.
func (h *Handler) CleanupUnavailability(c *gin.Context) {
	result, err := h.Cleanup.RunCleanup(c.Request.Context())
	if err != nil {
		zap.S().Errorw("unavailability cleanup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	zap.S().Infow("unavailability cleanup", "cleaned", result.Cleaned, "updatedDoctors", result.UpdatedDoctors)
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"cleaned":        result.Cleaned,
		"updatedDoctors": result.UpdatedDoctors,
		"message": fmt.Sprintf("Cleaned up %d expired unavailability records, %d doctors available again",
			result.Cleaned, result.UpdatedDoctors),
	})
}
