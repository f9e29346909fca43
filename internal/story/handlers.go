package story

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyvoice/storyvoice/internal/idgen"
	"github.com/storyvoice/storyvoice/internal/validation"
)

// MaxTextLength bounds story text; anything longer should be split into
// chapters client-side.
const MaxTextLength = 50000

// Handler provides HTTP endpoints for stories.
type Handler struct {
	store Store
}

// NewHandler creates a new story handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up authenticated story routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stories", h.CreateStory)
	r.GET("/stories", h.ListStories)
	r.GET("/stories/:story", h.GetStory)
	r.DELETE("/stories/:story", h.DeleteStory)
}

// CreateRequest is the request body for creating a story.
type CreateRequest struct {
	Title string `json:"title" binding:"required"`
	Text  string `json:"text" binding:"required"`
}

// CreateStory handles POST /v1/stories
func (h *Handler) CreateStory(c *gin.Context) {
	userID := c.GetString("authUserID")

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Title and text are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("text", req.Text, MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	now := time.Now()
	s := &Story{
		ID:        idgen.WithPrefix("st_"),
		UserID:    userID,
		Title:     validation.SanitizeString(req.Title, 200),
		Text:      req.Text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Create(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"story": s})
}

// ListStories handles GET /v1/stories
func (h *Handler) ListStories(c *gin.Context) {
	userID := c.GetString("authUserID")

	stories, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stories": stories,
		"count":   len(stories),
	})
}

// GetStory handles GET /v1/stories/:story
func (h *Handler) GetStory(c *gin.Context) {
	s, ok := h.ownedStory(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"story": s})
}

// DeleteStory handles DELETE /v1/stories/:story
func (h *Handler) DeleteStory(c *gin.Context) {
	s, ok := h.ownedStory(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), s.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ownedStory(c *gin.Context) (*Story, bool) {
	userID := c.GetString("authUserID")
	s, err := h.store.Get(c.Request.Context(), c.Param("story"))
	if err == ErrStoryNotFound || (err == nil && s.UserID != userID) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such story",
		})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return nil, false
	}
	return s, true
}
