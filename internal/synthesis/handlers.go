package synthesis

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/storyvoice/storyvoice/internal/story"
	"github.com/storyvoice/storyvoice/internal/voice"
)

// Handler provides HTTP endpoints for synthesis.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new synthesis handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes sets up authenticated synthesis routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/voices/:voice/stories/:story/audio", h.StartSynthesis)
	r.GET("/voices/:voice/stories/:story/audio", h.GetAudio)
	r.GET("/jobs", h.ListJobs)
}

// StartSynthesis handles POST /v1/voices/:voice/stories/:story/audio
func (h *Handler) StartSynthesis(c *gin.Context) {
	userID := c.GetString("authUserID")
	voiceID := c.Param("voice")
	storyID := c.Param("story")

	res, err := h.orchestrator.Start(c.Request.Context(), userID, voiceID, storyID)
	if err == voice.ErrVoiceNotFound || err == story.ErrStoryNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such voice or story",
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

	switch res.Outcome {
	case OutcomeReady:
		if res.RemoteVoiceID != "" {
			c.Header("X-Voice-Remote-ID", res.RemoteVoiceID)
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    string(OutcomeReady),
			"job_id":    res.Job.ID,
			"audio_url": audioPath(voiceID, storyID),
		})

	case OutcomeProcessing:
		if res.RemoteVoiceID != "" {
			c.Header("X-Voice-Remote-ID", res.RemoteVoiceID)
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status": string(OutcomeProcessing),
			"job_id": res.Job.ID,
		})

	case OutcomeAllocatingVoice:
		c.JSON(http.StatusAccepted, gin.H{
			"status": string(OutcomeAllocatingVoice),
			"job_id": res.Job.ID,
		})

	case OutcomeQueuedForSlot:
		c.Header("X-Voice-Queue-Position", strconv.Itoa(res.QueuePosition))
		c.Header("X-Voice-Queue-Length", strconv.Itoa(res.QueueLength))
		c.JSON(http.StatusAccepted, gin.H{
			"status":         string(OutcomeQueuedForSlot),
			"job_id":         res.Job.ID,
			"queue_position": res.QueuePosition,
			"queue_length":   res.QueueLength,
		})

	case OutcomePaymentRequired:
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"message":   "Not enough credits for this story",
			"required":  res.Required,
			"available": res.Available,
		})

	case OutcomeVoiceUnavailable:
		c.JSON(http.StatusConflict, gin.H{
			"error":   "voice_unavailable",
			"message": res.Reason,
		})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "unknown synthesis outcome",
		})
	}
}

// GetAudio handles GET /v1/voices/:voice/stories/:story/audio
func (h *Handler) GetAudio(c *gin.Context) {
	userID := c.GetString("authUserID")

	job, err := h.orchestrator.GetJob(c.Request.Context(), userID, c.Param("voice"), c.Param("story"))
	if err == ErrJobNotFound || (err == nil && job.Status != StatusReady) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_ready",
			"message": "Audio is not available for this voice and story",
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

	if url := h.orchestrator.blobs.URL(job.ArtifactKey); url != "" {
		c.Redirect(http.StatusFound, url)
		return
	}

	audio, contentType, err := h.orchestrator.OpenArtifact(c.Request.Context(), job)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	defer func() { _ = audio.Close() }()

	if contentType == "" {
		contentType = "audio/mpeg"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, audio, nil)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	userID := c.GetString("authUserID")

	jobs, err := h.orchestrator.jobs.ListByUser(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func audioPath(voiceID, storyID string) string {
	return "/v1/voices/" + voiceID + "/stories/" + storyID + "/audio"
}
