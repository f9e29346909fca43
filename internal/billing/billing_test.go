package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyvoice/storyvoice/internal/credits"
)

type staticUsers struct {
	ids []string
}

func (s *staticUsers) ListUserIDs(_ context.Context) ([]string, error) {
	return s.ids, nil
}

func newService(t *testing.T, users []string, cfg Config) (*Service, *credits.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger, err := credits.NewLedger(credits.NewMemoryStore(), 1000, nil, logger)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return NewService(ledger, &staticUsers{ids: users}, cfg, logger), ledger
}

func TestGrantInitial_Once(t *testing.T) {
	svc, ledger := newService(t, nil, Config{InitialCredits: 10})
	ctx := context.Background()

	if err := svc.GrantInitial(ctx, "user_1"); err != nil {
		t.Fatalf("grant initial: %v", err)
	}
	if err := svc.GrantInitial(ctx, "user_1"); err != nil {
		t.Fatalf("repeat grant initial: %v", err)
	}

	bal, err := ledger.Balance(ctx, "user_1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 10 {
		t.Errorf("expected 10 welcome credits, got %d", bal)
	}
}

func TestGrantMonthly_OncePerMonth(t *testing.T) {
	svc, ledger := newService(t, []string{"user_1", "user_2"}, Config{MonthlyCredits: 5})
	ctx := context.Background()

	granted, err := svc.GrantMonthly(ctx)
	if err != nil {
		t.Fatalf("grant monthly: %v", err)
	}
	if granted != 2 {
		t.Fatalf("expected 2 grants, got %d", granted)
	}

	granted, err = svc.GrantMonthly(ctx)
	if err != nil {
		t.Fatalf("repeat grant monthly: %v", err)
	}
	if granted != 0 {
		t.Fatalf("expected 0 grants on rerun, got %d", granted)
	}

	sum, err := ledger.Summary(ctx, "user_1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.BySource[credits.SourceMonthly] != 5 {
		t.Errorf("expected 5 monthly credits, got %d", sum.BySource[credits.SourceMonthly])
	}
	if sum.NextExpiry == nil {
		t.Error("monthly credits must carry an expiry")
	}
}

func TestGrantMonthly_DisabledByZeroAmount(t *testing.T) {
	svc, _ := newService(t, []string{"user_1"}, Config{MonthlyCredits: 0})
	granted, err := svc.GrantMonthly(context.Background())
	if err != nil || granted != 0 {
		t.Fatalf("expected no-op, got granted=%d err=%v", granted, err)
	}
}

func TestGrantPurchase_IdempotentPerCheckout(t *testing.T) {
	svc, ledger := newService(t, nil, Config{})
	ctx := context.Background()

	if err := svc.GrantPurchase(ctx, "user_1", "cs_123", 20); err != nil {
		t.Fatalf("grant purchase: %v", err)
	}
	if err := svc.GrantPurchase(ctx, "user_1", "cs_123", 20); err != nil {
		t.Fatalf("replayed purchase: %v", err)
	}
	if err := svc.GrantPurchase(ctx, "user_1", "cs_456", 5); err != nil {
		t.Fatalf("second purchase: %v", err)
	}

	bal, _ := ledger.Balance(ctx, "user_1")
	if bal != 25 {
		t.Errorf("expected balance 25, got %d", bal)
	}
}

const testWebhookSecret = "whsec_testsecret"

// signPayload produces a Stripe-Signature header for the payload.
func signPayload(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(t *testing.T, sessionID, userID, creditsMeta string) []byte {
	t.Helper()
	session := map[string]any{
		"id":                  sessionID,
		"client_reference_id": userID,
		"metadata":            map[string]string{"credits": creditsMeta},
	}
	raw, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	event := map[string]any{
		"id":   "evt_1",
		"type": "checkout.session.completed",
		"data": map[string]any{"object": json.RawMessage(raw)},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func setupWebhookRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, testWebhookSecret).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestWebhook_CompletedCheckoutGrantsCredits(t *testing.T) {
	svc, ledger := newService(t, nil, Config{})
	r := setupWebhookRouter(svc)

	payload := checkoutEvent(t, "cs_789", "user_1", "15")
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, time.Now()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	bal, _ := ledger.Balance(context.Background(), "user_1")
	if bal != 15 {
		t.Errorf("expected balance 15, got %d", bal)
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	svc, ledger := newService(t, nil, Config{})
	r := setupWebhookRouter(svc)

	payload := checkoutEvent(t, "cs_790", "user_1", "15")
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	bal, _ := ledger.Balance(context.Background(), "user_1")
	if bal != 0 {
		t.Errorf("bad signature must not grant credits, balance %d", bal)
	}
}
