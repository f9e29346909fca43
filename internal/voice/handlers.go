package voice

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/storyvoice/storyvoice/internal/validation"
)

// Handler provides HTTP endpoints for voice management.
type Handler struct {
	service *Service
}

// NewHandler creates a new voice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated voice routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/voices", h.CreateVoice)
	r.GET("/voices", h.ListVoices)
	r.GET("/voices/:voice", h.GetVoice)
	r.GET("/voices/:voice/events", h.GetVoiceEvents)
	r.DELETE("/voices/:voice", h.DeleteVoice)
}

// CreateVoice handles POST /v1/voices. The body is multipart form data with
// a "sample" audio file, a "name", and an optional "provider".
func (h *Handler) CreateVoice(c *gin.Context) {
	userID := c.GetString("authUserID")

	name := validation.SanitizeString(c.PostForm("name"), validation.MaxVoiceNameLength)
	provider := c.PostForm("provider")

	if errs := validation.Validate(
		validation.Required("name", name),
		validation.OneOf("provider", provider, "elevenlabs", "cartesia"),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	fileHeader, err := c.FormFile("sample")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A sample audio file is required",
		})
		return
	}
	if fileHeader.Size > validation.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "sample_too_large",
			"message": "Sample exceeds the maximum upload size",
		})
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !validation.IsAllowedAudioType(contentType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error":   "unsupported_media_type",
			"message": "Sample must be an audio file",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read sample file",
		})
		return
	}
	defer func() { _ = file.Close() }()

	v, err := h.service.Create(c.Request.Context(), userID, name, provider, file, contentType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"voice": v})
}

// ListVoices handles GET /v1/voices
func (h *Handler) ListVoices(c *gin.Context) {
	userID := c.GetString("authUserID")

	voices, err := h.service.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"voices": voices,
		"count":  len(voices),
	})
}

// GetVoice handles GET /v1/voices/:voice
func (h *Handler) GetVoice(c *gin.Context) {
	v, ok := h.ownedVoice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"voice": v})
}

// GetVoiceEvents handles GET /v1/voices/:voice/events
func (h *Handler) GetVoiceEvents(c *gin.Context) {
	v, ok := h.ownedVoice(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := h.service.Events(c.Request.Context(), v.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// DeleteVoice handles DELETE /v1/voices/:voice
func (h *Handler) DeleteVoice(c *gin.Context) {
	v, ok := h.ownedVoice(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), v.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// ownedVoice loads the :voice param and enforces ownership. A voice owned
// by someone else is reported as not found rather than forbidden.
func (h *Handler) ownedVoice(c *gin.Context) (*Voice, bool) {
	userID := c.GetString("authUserID")
	v, err := h.service.Get(c.Request.Context(), c.Param("voice"))
	if err == ErrVoiceNotFound || (err == nil && v.UserID != userID) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such voice",
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
	return v, true
}
