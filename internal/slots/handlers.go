package slots

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the admin surface of the slot manager.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new slot admin handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterAdminRoutes sets up admin-only slot routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/voice-slots/status", h.GetStatus)
	r.POST("/voice-slots/process-queue", h.ProcessQueue)
	r.POST("/voice-slots/reclaim", h.Reclaim)
}

// GetStatus handles GET /v1/admin/voice-slots/status
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.manager.GetStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// ProcessQueue handles POST /v1/admin/voice-slots/process-queue
func (h *Handler) ProcessQueue(c *gin.Context) {
	dispatched, err := h.manager.ProcessQueue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"dispatched": dispatched})
}

// Reclaim handles POST /v1/admin/voice-slots/reclaim
func (h *Handler) Reclaim(c *gin.Context) {
	cooled, evicted, err := h.manager.ReclaimIdle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	repaired, err := h.manager.RepairDrift(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"cooled":   cooled,
		"evicted":  evicted,
		"repaired": repaired,
	})
}
