package billing

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// maxWebhookBody bounds Stripe payloads; real events are a few KB.
const maxWebhookBody = 256 * 1024

// Handler receives Stripe webhooks.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a billing webhook handler.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up the webhook route. It must be mounted outside the
// authenticated group; Stripe authenticates with its signature header.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.HandleWebhook)
}

// HandleWebhook handles POST /billing/webhook
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read webhook body",
		})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		// Not ours; acknowledge so Stripe stops resending.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed checkout session payload",
		})
		return
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Checkout session has no user reference",
		})
		return
	}
	amount, err := CreditsFromMetadata(session.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.service.GrantPurchase(c.Request.Context(), userID, session.ID, amount); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
