package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Onboarder runs once when a user's first key is issued. The billing
// service implements it to grant welcome credits.
type Onboarder interface {
	GrantInitial(ctx context.Context, userID string) error
}

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager   *Manager
	onboarder Onboarder
}

// NewHandler creates an auth handler. onboarder may be nil.
func NewHandler(manager *Manager, onboarder Onboarder) *Handler {
	return &Handler{manager: manager, onboarder: onboarder}
}

// RegisterRoutes sets up the self-service key routes on an authenticated
// group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me/keys", h.ListKeys)
	r.DELETE("/me/keys/:key", h.RevokeKey)
}

// RegisterAdminRoutes sets up key issuance on the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:user/keys", h.CreateKey)
}

// CreateKey handles POST /admin/users/:user/keys
func (h *Handler) CreateKey(c *gin.Context) {
	userID := c.Param("user")

	// Body is optional; an empty request issues a key with the default name.
	var req struct {
		Name string `json:"name"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
	}
	if req.Name == "" {
		req.Name = "default"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), userID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if h.onboarder != nil {
		// Welcome credits are best effort; key issuance already succeeded.
		_ = h.onboarder.GrantInitial(c.Request.Context(), userID)
	}

	// The raw key appears in this response only.
	c.JSON(http.StatusCreated, gin.H{
		"key":    key,
		"apiKey": rawKey,
	})
}

// ListKeys handles GET /me/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// RevokeKey handles DELETE /me/keys/:key
func (h *Handler) RevokeKey(c *gin.Context) {
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("key"), UserID(c))
	if err == ErrKeyNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "API key not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
