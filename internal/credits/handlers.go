package credits

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for credit operations.
type Handler struct {
	ledger    *Ledger
	unitLabel string
}

// NewHandler creates a new credits handler. unitLabel is the display name
// for one credit ("Story Points" etc), surfaced in the summary response.
func NewHandler(ledger *Ledger, unitLabel string) *Handler {
	return &Handler{ledger: ledger, unitLabel: unitLabel}
}

// RegisterRoutes sets up authenticated credit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me/credits", h.GetSummary)
	r.GET("/me/credits/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only credit routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:user/credits/grant", h.GrantCredits)
}

// GetSummary handles GET /v1/me/credits
func (h *Handler) GetSummary(c *gin.Context) {
	userID := c.GetString("authUserID")

	sum, err := h.ledger.Summary(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":     sum.Balance,
		"by_source":   sum.BySource,
		"next_expiry": sum.NextExpiry,
		"unit_label":  h.unitLabel,
	})
}

// GetHistory handles GET /v1/me/credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.GetString("authUserID")

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	var kind Kind
	if t := c.Query("type"); t != "" {
		switch Kind(t) {
		case KindCredit, KindDebit, KindRefund, KindExpire:
			kind = Kind(t)
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Unknown transaction type: " + t,
			})
			return
		}
	}

	txs, err := h.ledger.History(c.Request.Context(), userID, kind, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GrantRequest is the admin request body for granting credits.
type GrantRequest struct {
	Amount    int64      `json:"amount" binding:"required"`
	Source    string     `json:"source" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Note      string     `json:"note"`
}

// GrantCredits handles POST /v1/admin/users/:user/credits/grant
func (h *Handler) GrantCredits(c *gin.Context) {
	userID := c.Param("user")

	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Amount and source are required",
		})
		return
	}

	lot, err := h.ledger.Grant(c.Request.Context(), userID, req.Amount, Source(req.Source), req.ExpiresAt, req.Note)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrInvalidSource):
			status = http.StatusBadRequest
			code = "invalid_source"
		case errors.Is(err, ErrInvalidExpiry):
			status = http.StatusBadRequest
			code = "invalid_expiry"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"lot": lot})
}
