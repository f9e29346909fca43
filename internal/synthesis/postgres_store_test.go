package synthesis

import (
	"context"
	"testing"
	"time"

	"github.com/storyvoice/storyvoice/internal/testutil"
)

func TestPostgresStore_JobLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	j := &Job{
		ID:        "job_pg1",
		UserID:    "user_1",
		VoiceID:   "vc_1",
		StoryID:   "st_1",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := &Job{ID: "job_pg2", UserID: "user_1", VoiceID: "vc_1", StoryID: "st_1",
		Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, dup); err != ErrJobExists {
		t.Fatalf("expected ErrJobExists for duplicate triple, got %v", err)
	}

	got, err := store.GetByVoiceStory(ctx, "user_1", "vc_1", "st_1")
	if err != nil {
		t.Fatalf("get by triple: %v", err)
	}
	if got.ID != "job_pg1" {
		t.Errorf("expected job_pg1, got %s", got.ID)
	}

	got.Status = StatusReady
	got.CreditsCharged = 3
	got.ArtifactKey = "artifacts/job_pg1.mp3"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded, err := store.Get(ctx, "job_pg1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != StatusReady || reloaded.CreditsCharged != 3 {
		t.Errorf("update not persisted: %+v", reloaded)
	}

	jobs, err := store.ListByUser(ctx, "user_1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}

	if _, err := store.Get(ctx, "job_absent"); err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
