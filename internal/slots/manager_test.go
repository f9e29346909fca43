package slots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storyvoice/storyvoice/internal/blob"
	"github.com/storyvoice/storyvoice/internal/provider"
	"github.com/storyvoice/storyvoice/internal/retry"
	"github.com/storyvoice/storyvoice/internal/slotqueue"
	"github.com/storyvoice/storyvoice/internal/voice"
)

type fakeAdapter struct {
	mu        sync.Mutex
	createErr error
	created   int
	deleted   []string
	nextID    int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) CreateVoice(_ context.Context, _ string, _ io.Reader, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	f.nextID++
	return fmt.Sprintf("rv_%d", f.nextID), nil
}

func (f *fakeAdapter) DeleteVoice(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, remoteID)
	return nil
}

func (f *fakeAdapter) Synthesize(_ context.Context, _, _ string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("audio")), "audio/mpeg", nil
}

// recordingDispatcher collects dispatched voice IDs without running them.
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) DispatchAllocate(_ context.Context, voiceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, voiceID)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}

// syncDispatcher runs the allocation inline, as the worker pool would.
type syncDispatcher struct {
	m *Manager
}

func (d *syncDispatcher) DispatchAllocate(ctx context.Context, voiceID string) error {
	return d.m.Allocate(ctx, voiceID)
}

type fakeBalances struct {
	balances map[string]int64
}

func (f *fakeBalances) Balance(_ context.Context, userID string) (int64, error) {
	return f.balances[userID], nil
}

type testEnv struct {
	manager  *Manager
	voices   *voice.MemoryStore
	queue    *slotqueue.MemoryQueue
	blobs    *blob.MemoryStore
	adapter  *fakeAdapter
	balances *fakeBalances
}

func newTestEnv(t *testing.T, slotLimit int, warmHold time.Duration) *testEnv {
	t.Helper()
	adapter := &fakeAdapter{}
	env := &testEnv{
		voices:   voice.NewMemoryStore(),
		queue:    slotqueue.NewMemoryQueue(),
		blobs:    blob.NewMemoryStore(),
		adapter:  adapter,
		balances: &fakeBalances{balances: map[string]int64{}},
	}
	env.manager = NewManager(
		env.voices,
		env.queue,
		provider.NewRegistry(adapter),
		env.blobs,
		env.balances,
		Config{SlotLimit: slotLimit, WarmHold: warmHold, LockTTL: time.Minute, MaxDispatchPerCycle: 10},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return env
}

func (e *testEnv) addVoice(t *testing.T, id, userID string, status voice.AllocationStatus, lastUsed *time.Time) *voice.Voice {
	t.Helper()
	ctx := context.Background()
	key := "samples/" + id
	if err := e.blobs.Put(ctx, key, "audio/wav", strings.NewReader("sample")); err != nil {
		t.Fatalf("put sample: %v", err)
	}
	now := time.Now()
	v := &voice.Voice{
		ID:         id,
		UserID:     userID,
		Name:       "voice " + id,
		Provider:   "fake",
		Status:     status,
		SampleKey:  key,
		LastUsedAt: lastUsed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if status == voice.StatusReady || status == voice.StatusCooling {
		v.RemoteVoiceID = "rv_" + id
	}
	if err := e.voices.Create(ctx, v); err != nil {
		t.Fatalf("create voice: %v", err)
	}
	return v
}

func timePtr(t time.Time) *time.Time { return &t }

func TestEnsureActive_ReadyVoiceStaysReady(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	old := time.Now().Add(-30 * time.Minute)
	env.addVoice(t, "vc_ready", "user_1", voice.StatusReady, &old)

	res, err := env.manager.EnsureActive(context.Background(), "vc_ready")
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if res.State != StateReady {
		t.Fatalf("expected ready, got %s", res.State)
	}
	got, _ := env.voices.Get(context.Background(), "vc_ready")
	if got.LastUsedAt == nil || !got.LastUsedAt.After(old) {
		t.Error("expected last used timestamp to advance")
	}
}

func TestEnsureActive_WarmsCoolingVoice(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	env.addVoice(t, "vc_cool", "user_1", voice.StatusCooling, timePtr(time.Now().Add(-2*time.Hour)))

	res, err := env.manager.EnsureActive(context.Background(), "vc_cool")
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if res.State != StateReady {
		t.Fatalf("expected ready, got %s", res.State)
	}
	got, _ := env.voices.Get(context.Background(), "vc_cool")
	if got.Status != voice.StatusReady {
		t.Errorf("expected status ready, got %s", got.Status)
	}
}

func TestEnsureActive_AllocatesWhenSlotFree(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	env.manager.SetDispatcher(&syncDispatcher{m: env.manager})
	env.addVoice(t, "vc_new", "user_1", voice.StatusRecorded, nil)

	res, err := env.manager.EnsureActive(context.Background(), "vc_new")
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if res.State != StateAllocating {
		t.Fatalf("expected allocating, got %s", res.State)
	}

	got, _ := env.voices.Get(context.Background(), "vc_new")
	if got.Status != voice.StatusReady {
		t.Fatalf("expected ready after inline allocation, got %s", got.Status)
	}
	if got.RemoteVoiceID == "" {
		t.Error("expected remote voice ID to be set")
	}
	if env.adapter.created != 1 {
		t.Errorf("expected 1 provider create, got %d", env.adapter.created)
	}

	events, _ := env.voices.ListEvents(context.Background(), "vc_new", 10)
	if len(events) == 0 {
		t.Fatal("expected slot events to be recorded")
	}
}

func TestEnsureActive_QueuesWhenFleetBusy(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	recent := time.Now()
	env.addVoice(t, "vc_a", "user_1", voice.StatusReady, &recent)
	env.addVoice(t, "vc_b", "user_2", voice.StatusReady, &recent)
	env.addVoice(t, "vc_c", "user_3", voice.StatusRecorded, nil)

	res, err := env.manager.EnsureActive(context.Background(), "vc_c")
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if res.State != StateQueued {
		t.Fatalf("expected queued, got %s", res.State)
	}
	if res.QueuePosition != 1 || res.QueueLength != 1 {
		t.Errorf("expected position 1 of 1, got %d of %d", res.QueuePosition, res.QueueLength)
	}

	// Asking again keeps the original position.
	res2, err := env.manager.EnsureActive(context.Background(), "vc_c")
	if err != nil {
		t.Fatalf("EnsureActive again: %v", err)
	}
	if res2.QueuePosition != 1 {
		t.Errorf("expected stable position 1, got %d", res2.QueuePosition)
	}
}

func TestEnsureActive_DisplacesIdleVoice(t *testing.T) {
	env := newTestEnv(t, 1, 15*time.Minute)
	dispatcher := &recordingDispatcher{}
	env.manager.SetDispatcher(dispatcher)
	env.addVoice(t, "vc_idle", "user_1", voice.StatusReady, timePtr(time.Now().Add(-time.Hour)))
	env.addVoice(t, "vc_want", "user_2", voice.StatusRecorded, nil)

	res, err := env.manager.EnsureActive(context.Background(), "vc_want")
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if res.State != StateAllocating {
		t.Fatalf("expected allocating after displacement, got %s", res.State)
	}

	idle, _ := env.voices.Get(context.Background(), "vc_idle")
	if idle.Status != voice.StatusEvicted {
		t.Errorf("expected idle voice evicted, got %s", idle.Status)
	}
	if len(env.adapter.deleted) != 1 {
		t.Errorf("expected 1 remote delete, got %d", len(env.adapter.deleted))
	}
	if dispatcher.count() != 1 {
		t.Errorf("expected 1 dispatch, got %d", dispatcher.count())
	}
}

func TestEnsureActive_RepeatedCallDispatchesOnce(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	dispatcher := &recordingDispatcher{}
	env.manager.SetDispatcher(dispatcher)
	env.addVoice(t, "vc_x", "user_1", voice.StatusRecorded, nil)

	for i := 0; i < 3; i++ {
		if _, err := env.manager.EnsureActive(context.Background(), "vc_x"); err != nil {
			t.Fatalf("EnsureActive call %d: %v", i, err)
		}
	}
	if dispatcher.count() != 1 {
		t.Errorf("expected 1 dispatch, got %d", dispatcher.count())
	}
}

func TestEnsureActive_LockContentionBetweenProcesses(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	dispatcher := &recordingDispatcher{}
	env.manager.SetDispatcher(dispatcher)

	// A second manager sharing the same stores, as another process would.
	other := NewManager(
		env.voices, env.queue, provider.NewRegistry(env.adapter), env.blobs, env.balances,
		Config{SlotLimit: 2, WarmHold: time.Hour, LockTTL: time.Minute, MaxDispatchPerCycle: 10},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	other.SetDispatcher(dispatcher)

	env.addVoice(t, "vc_shared", "user_1", voice.StatusRecorded, nil)

	var wg sync.WaitGroup
	for _, m := range []*Manager{env.manager, other} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			_, _ = m.EnsureActive(context.Background(), "vc_shared")
		}(m)
	}
	wg.Wait()

	if dispatcher.count() > 1 {
		t.Errorf("expected at most 1 dispatch under contention, got %d", dispatcher.count())
	}
	got, _ := env.voices.Get(context.Background(), "vc_shared")
	if got.Status != voice.StatusAllocating {
		t.Errorf("expected allocating, got %s", got.Status)
	}
}

func TestEnsureActive_FailedVoiceReportsFailure(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	dispatcher := &recordingDispatcher{}
	env.manager.SetDispatcher(dispatcher)
	ctx := context.Background()

	failed := env.addVoice(t, "vc_bad", "user_1", voice.StatusError, nil)
	failed.LastError = "sample rejected"
	if err := env.voices.Update(ctx, failed); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := env.manager.EnsureActive(ctx, "vc_bad")
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("expected failed, got %s", res.State)
	}
	if res.Reason != "sample rejected" {
		t.Errorf("expected failure reason surfaced, got %q", res.Reason)
	}

	// A failed voice must not re-enter allocation or the wait line.
	if dispatcher.count() != 0 {
		t.Errorf("expected no dispatch, got %d", dispatcher.count())
	}
	if n, _ := env.queue.Len(ctx, "fake"); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	got, _ := env.voices.Get(ctx, "vc_bad")
	if got.Status != voice.StatusError {
		t.Errorf("expected status unchanged, got %s", got.Status)
	}
}

func TestAllocate_TransientProviderFailureKeepsAllocating(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	env.addVoice(t, "vc_t", "user_1", voice.StatusAllocating, nil)
	env.adapter.createErr = fmt.Errorf("clone voice: %w", provider.ErrProviderUnavailable)

	err := env.manager.Allocate(context.Background(), "vc_t")
	if !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	if retry.IsPermanent(err) {
		t.Error("transient failure must stay retryable")
	}
	got, _ := env.voices.Get(context.Background(), "vc_t")
	if got.Status != voice.StatusAllocating {
		t.Errorf("expected voice still allocating, got %s", got.Status)
	}
}

func TestAllocate_PermanentFailureMarksError(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	env.addVoice(t, "vc_p", "user_1", voice.StatusAllocating, nil)
	env.adapter.createErr = errors.New("sample rejected")

	err := env.manager.Allocate(context.Background(), "vc_p")
	if !retry.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	got, _ := env.voices.Get(context.Background(), "vc_p")
	if got.Status != voice.StatusError {
		t.Errorf("expected status error, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestProcessQueue_DispatchesUpToFreeSlots(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	dispatcher := &recordingDispatcher{}
	env.manager.SetDispatcher(dispatcher)
	recent := time.Now()
	env.addVoice(t, "vc_busy", "user_1", voice.StatusReady, &recent)
	w1 := env.addVoice(t, "vc_w1", "user_2", voice.StatusRecorded, nil)
	w2 := env.addVoice(t, "vc_w2", "user_3", voice.StatusRecorded, nil)
	ctx := context.Background()
	for _, v := range []*voice.Voice{w1, w2} {
		if _, err := env.queue.Enqueue(ctx, slotqueue.Entry{VoiceID: v.ID, UserID: v.UserID, Provider: "fake", EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	dispatched, err := env.manager.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected 1 dispatch for 1 free slot, got %d", dispatched)
	}
	if n, _ := env.queue.Len(ctx, "fake"); n != 1 {
		t.Errorf("expected 1 voice still waiting, got %d", n)
	}
	head, _ := env.queue.Peek(ctx, "fake")
	if head.VoiceID != "vc_w2" {
		t.Errorf("expected vc_w2 still queued, got %s", head.VoiceID)
	}
}

func TestProcessQueue_SkipsDeletedAndActiveVoices(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()
	recent := time.Now()
	active := env.addVoice(t, "vc_act", "user_1", voice.StatusReady, &recent)
	for _, id := range []string{"vc_gone", active.ID} {
		if _, err := env.queue.Enqueue(ctx, slotqueue.Entry{VoiceID: id, UserID: "user_1", Provider: "fake", EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	dispatched, err := env.manager.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if dispatched != 0 {
		t.Errorf("expected 0 dispatches, got %d", dispatched)
	}
}

func TestReclaimIdle_CoolsWithoutEvictingWhenNobodyWaits(t *testing.T) {
	env := newTestEnv(t, 2, 15*time.Minute)
	env.manager.SetDispatcher(&recordingDispatcher{})
	env.addVoice(t, "vc_idle", "user_1", voice.StatusReady, timePtr(time.Now().Add(-time.Hour)))

	cooled, evicted, err := env.manager.ReclaimIdle(context.Background())
	if err != nil {
		t.Fatalf("ReclaimIdle: %v", err)
	}
	if cooled != 1 || evicted != 0 {
		t.Fatalf("expected cooled=1 evicted=0, got %d/%d", cooled, evicted)
	}
	got, _ := env.voices.Get(context.Background(), "vc_idle")
	if got.Status != voice.StatusCooling {
		t.Errorf("expected cooling, got %s", got.Status)
	}
}

func TestReclaimIdle_EvictsForWaiters(t *testing.T) {
	env := newTestEnv(t, 1, 15*time.Minute)
	dispatcher := &recordingDispatcher{}
	env.manager.SetDispatcher(dispatcher)
	ctx := context.Background()
	env.addVoice(t, "vc_cold", "user_1", voice.StatusCooling, timePtr(time.Now().Add(-time.Hour)))
	waiter := env.addVoice(t, "vc_wait", "user_2", voice.StatusRecorded, nil)
	if _, err := env.queue.Enqueue(ctx, slotqueue.Entry{VoiceID: waiter.ID, UserID: waiter.UserID, Provider: "fake", EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, evicted, err := env.manager.ReclaimIdle(ctx)
	if err != nil {
		t.Fatalf("ReclaimIdle: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if dispatcher.count() != 1 {
		t.Errorf("expected waiter dispatched, got %d dispatches", dispatcher.count())
	}
	if n, _ := env.queue.Len(ctx, "fake"); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestReclaimIdle_ZeroBalanceUsersEvictedFirst(t *testing.T) {
	env := newTestEnv(t, 2, 15*time.Minute)
	env.manager.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()
	// user_rich's voice is older but keeps its slot; user_broke goes first.
	env.addVoice(t, "vc_rich", "user_rich", voice.StatusCooling, timePtr(time.Now().Add(-3*time.Hour)))
	env.addVoice(t, "vc_broke", "user_broke", voice.StatusCooling, timePtr(time.Now().Add(-time.Hour)))
	env.balances.balances["user_rich"] = 500
	env.balances.balances["user_broke"] = 0

	waiter := env.addVoice(t, "vc_wait", "user_3", voice.StatusRecorded, nil)
	if _, err := env.queue.Enqueue(ctx, slotqueue.Entry{VoiceID: waiter.ID, UserID: waiter.UserID, Provider: "fake", EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, _, err := env.manager.ReclaimIdle(ctx); err != nil {
		t.Fatalf("ReclaimIdle: %v", err)
	}
	broke, _ := env.voices.Get(ctx, "vc_broke")
	rich, _ := env.voices.Get(ctx, "vc_rich")
	if broke.Status != voice.StatusEvicted {
		t.Errorf("expected zero-balance voice evicted, got %s", broke.Status)
	}
	if rich.Status == voice.StatusEvicted {
		t.Error("voice of user with credits should not be evicted first")
	}
}

func TestRepairDrift_FixesMissingRemoteAndStaleQueue(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()

	// Claims a slot but has no provider voice behind it.
	recent := time.Now()
	drifted := env.addVoice(t, "vc_drift", "user_1", voice.StatusReady, &recent)
	drifted.RemoteVoiceID = ""
	if err := env.voices.Update(ctx, drifted); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Queue entries for a deleted voice and an already-active voice.
	activeVoice := env.addVoice(t, "vc_ok", "user_2", voice.StatusReady, &recent)
	for _, id := range []string{"vc_deleted", activeVoice.ID} {
		if _, err := env.queue.Enqueue(ctx, slotqueue.Entry{VoiceID: id, UserID: "user_x", Provider: "fake", EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	repaired, err := env.manager.RepairDrift(ctx)
	if err != nil {
		t.Fatalf("RepairDrift: %v", err)
	}
	if repaired != 3 {
		t.Fatalf("expected 3 repairs, got %d", repaired)
	}
	got, _ := env.voices.Get(ctx, "vc_drift")
	if got.Status != voice.StatusEvicted {
		t.Errorf("expected drifted voice evicted, got %s", got.Status)
	}
	if n, _ := env.queue.Len(ctx, "fake"); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestGetStatus_ReportsOccupancyAndQueue(t *testing.T) {
	env := newTestEnv(t, 5, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()
	recent := time.Now()
	env.addVoice(t, "vc_a", "user_1", voice.StatusReady, &recent)
	env.addVoice(t, "vc_b", "user_2", voice.StatusAllocating, nil)
	if _, err := env.queue.Enqueue(ctx, slotqueue.Entry{VoiceID: "vc_q", UserID: "user_3", Provider: "fake", EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	status, err := env.manager.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.SlotLimit != 5 {
		t.Errorf("expected slot limit 5, got %d", status.SlotLimit)
	}
	if len(status.Providers) != 1 {
		t.Fatalf("expected one provider, got %+v", status.Providers)
	}
	ps := status.Providers[0]
	if ps.Provider != "fake" || ps.ActiveCount != 2 || ps.QueueLength != 1 {
		t.Errorf("unexpected provider status: %+v", ps)
	}
}

func TestQueuePosition(t *testing.T) {
	env := newTestEnv(t, 1, time.Hour)
	env.manager.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()
	for i, id := range []string{"vc_1", "vc_2"} {
		env.addVoice(t, id, fmt.Sprintf("user_%d", i), voice.StatusRecorded, nil)
		if _, err := env.queue.Enqueue(ctx, slotqueue.Entry{VoiceID: id, UserID: fmt.Sprintf("user_%d", i), Provider: "fake", EnqueuedAt: time.Now()}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	env.addVoice(t, "vc_idle", "user_9", voice.StatusRecorded, nil)

	pos, length, err := env.manager.QueuePosition(ctx, "vc_2")
	if err != nil {
		t.Fatalf("QueuePosition: %v", err)
	}
	if pos != 2 || length != 2 {
		t.Errorf("expected position 2 of 2, got %d of %d", pos, length)
	}

	pos, length, err = env.manager.QueuePosition(ctx, "vc_idle")
	if err != nil {
		t.Fatalf("QueuePosition unqueued: %v", err)
	}
	if pos != 0 || length != 2 {
		t.Errorf("expected position 0 of 2, got %d of %d", pos, length)
	}
}

type namedAdapter struct {
	fakeAdapter
	name string
}

func (n *namedAdapter) Name() string { return n.name }

func TestEnsureActive_ProviderPoolsAreIndependent(t *testing.T) {
	first := &fakeAdapter{}
	second := &namedAdapter{name: "other"}
	voices := voice.NewMemoryStore()
	queue := slotqueue.NewMemoryQueue()
	blobs := blob.NewMemoryStore()
	m := NewManager(
		voices,
		queue,
		provider.NewRegistry(first, second),
		blobs,
		&fakeBalances{balances: map[string]int64{}},
		Config{SlotLimit: 1, WarmHold: time.Hour, LockTTL: time.Minute, MaxDispatchPerCycle: 10},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	m.SetDispatcher(&syncDispatcher{m: m})
	ctx := context.Background()

	now := time.Now()
	busy := &voice.Voice{
		ID: "vc_busy", UserID: "user_1", Name: "busy", Provider: "fake",
		Status: voice.StatusReady, RemoteVoiceID: "rv_busy", SampleKey: "samples/vc_busy",
		LastUsedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	if err := voices.Create(ctx, busy); err != nil {
		t.Fatalf("create busy: %v", err)
	}

	if err := blobs.Put(ctx, "samples/vc_new", "audio/wav", strings.NewReader("sample")); err != nil {
		t.Fatalf("put sample: %v", err)
	}
	fresh := &voice.Voice{
		ID: "vc_new", UserID: "user_2", Name: "fresh", Provider: "other",
		Status: voice.StatusRecorded, SampleKey: "samples/vc_new",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := voices.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	// The fake pool is full, but the other pool has a free slot: the new
	// voice must not queue behind a different provider's occupancy.
	res, err := m.EnsureActive(ctx, "vc_new")
	if err != nil {
		t.Fatalf("EnsureActive: %v", err)
	}
	if res.State != StateAllocating {
		t.Fatalf("expected allocating, got %s (reason %q)", res.State, res.Reason)
	}
	got, _ := voices.Get(ctx, "vc_new")
	if got.Status != voice.StatusReady {
		t.Fatalf("expected fresh voice ready, got %s", got.Status)
	}
	if n, _ := queue.Len(ctx, "other"); n != 0 {
		t.Errorf("expected empty queue for other provider, got %d", n)
	}
	if second.created != 1 {
		t.Errorf("expected one remote create on other provider, got %d", second.created)
	}
	if first.created != 0 {
		t.Errorf("expected no creates on fake provider, got %d", first.created)
	}
}
