package credits

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger, err := NewLedger(NewMemoryStore(), 1000, nil, logger)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	h := NewHandler(ledger, "Story Points")

	r := gin.New()
	authed := r.Group("/v1")
	authed.Use(func(c *gin.Context) { c.Set("authUserID", "user_1") })
	h.RegisterRoutes(authed)
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, ledger
}

func TestGrantCreditsEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	body := `{"amount": 10, "source": "monthly"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/users/user_1/credits/grant", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	body = `{"amount": 10, "source": "bogus"}`
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/users/user_1/credits/grant", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown source, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "invalid_source") {
		t.Errorf("expected invalid_source error, got %s", w.Body.String())
	}
}

func TestHistoryEndpointTypeFilter(t *testing.T) {
	r, ledger := setupRouter(t)
	ctx := context.Background()
	if _, err := ledger.Grant(ctx, "user_1", 5, SourceFree, nil, ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := ledger.Debit(ctx, "user_1", "job_1", 2); err != nil {
		t.Fatalf("debit: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/me/credits/history?type=debit", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("expected exactly one debit in response, got %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/me/credits/history?type=withdrawal", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d: %s", w.Code, w.Body.String())
	}
}
