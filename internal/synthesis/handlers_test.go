package synthesis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyvoice/storyvoice/internal/voice"
)

func setupRouter(env *testEnv, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("authUserID", userID) })
	NewHandler(env.orch).RegisterRoutes(r.Group("/v1"))
	return r
}

func postAudio(t *testing.T, r *gin.Engine, voiceID, storyID string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/voices/"+voiceID+"/stories/"+storyID+"/audio", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestStartSynthesisHTTP_QueuedHeaders(t *testing.T) {
	env := newTestEnv(t, 1)
	env.grant(t, "user_1", 10)
	env.addVoice(t, "vc_busy", "user_other", voice.StatusReady)
	env.addVoice(t, "vc_1", "user_1", voice.StatusRecorded)
	env.addStory(t, "st_1", "user_1", 500)
	r := setupRouter(env, "user_1")

	w := postAudio(t, r, "vc_1", "st_1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Voice-Queue-Position"); got != "1" {
		t.Errorf("expected queue position header 1, got %q", got)
	}
	if got := w.Header().Get("X-Voice-Queue-Length"); got != "1" {
		t.Errorf("expected queue length header 1, got %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != string(OutcomeQueuedForSlot) {
		t.Errorf("expected queued_for_slot, got %v", body["status"])
	}
}

func TestStartSynthesisHTTP_ReadyAfterCompletion(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	env.grant(t, "user_1", 10)
	env.addVoice(t, "vc_1", "user_1", voice.StatusReady)
	env.addStory(t, "st_1", "user_1", 500)
	r := setupRouter(env, "user_1")

	w := postAudio(t, r, "vc_1", "st_1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if got := w.Header().Get("X-Voice-Remote-ID"); got == "" {
		t.Error("expected remote id header on processing response")
	}

	var first map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &first)
	jobID, _ := first["job_id"].(string)
	if err := env.orch.ProcessJob(ctx, jobID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	w = postAudio(t, r, "vc_1", "st_1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != string(OutcomeReady) {
		t.Errorf("expected ready, got %v", body["status"])
	}
}

func TestStartSynthesisHTTP_PaymentRequired(t *testing.T) {
	env := newTestEnv(t, 2)
	env.grant(t, "user_1", 1)
	env.addVoice(t, "vc_1", "user_1", voice.StatusReady)
	env.addStory(t, "st_1", "user_1", 2500)
	r := setupRouter(env, "user_1")

	w := postAudio(t, r, "vc_1", "st_1")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["required"].(float64) != 3 || body["available"].(float64) != 1 {
		t.Errorf("expected required=3 available=1, got %v", body)
	}
}

func TestStartSynthesisHTTP_UnknownVoice(t *testing.T) {
	env := newTestEnv(t, 2)
	env.grant(t, "user_1", 10)
	env.addStory(t, "st_1", "user_1", 500)
	r := setupRouter(env, "user_1")

	w := postAudio(t, r, "vc_missing", "st_1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetAudioHTTP(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	env.grant(t, "user_1", 10)
	env.addVoice(t, "vc_1", "user_1", voice.StatusReady)
	env.addStory(t, "st_1", "user_1", 500)
	r := setupRouter(env, "user_1")

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/voices/vc_1/stories/st_1/audio", nil)
		r.ServeHTTP(w, req)
		return w
	}

	if w := get(); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before synthesis, got %d", w.Code)
	}

	res, err := env.orch.Start(ctx, "user_1", "vc_1", "st_1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.orch.ProcessJob(ctx, res.Job.ID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	w := get()
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "audio/") {
		t.Errorf("expected audio content type, got %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("expected audio bytes in response")
	}
}

func TestGetAudioHTTP_ForeignUserGets404(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	env.grant(t, "user_1", 10)
	env.addVoice(t, "vc_1", "user_1", voice.StatusReady)
	env.addStory(t, "st_1", "user_1", 500)

	res, err := env.orch.Start(ctx, "user_1", "vc_1", "st_1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.orch.ProcessJob(ctx, res.Job.ID); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	r := setupRouter(env, "user_intruder")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/voices/vc_1/stories/st_1/audio", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's audio, got %d", w.Code)
	}
}

func TestMemoryStoreUniqueTriple(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	j := &Job{ID: "job_1", UserID: "user_1", VoiceID: "vc_1", StoryID: "st_1",
		Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &Job{ID: "job_2", UserID: "user_1", VoiceID: "vc_1", StoryID: "st_1",
		Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, dup); err != ErrJobExists {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
}
