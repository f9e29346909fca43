package slotqueue

import (
	"context"
	"testing"
	"time"
)

func entry(voiceID, userID string, offset time.Duration) Entry {
	return Entry{
		VoiceID:    voiceID,
		UserID:     userID,
		Provider:   "elevenlabs",
		EnqueuedAt: time.Now().Add(offset),
	}
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for i, id := range []string{"vc_a", "vc_b", "vc_c"} {
		added, err := q.Enqueue(ctx, entry(id, "u1", time.Duration(i)*time.Second))
		if err != nil || !added {
			t.Fatalf("enqueue %s: added=%v err=%v", id, added, err)
		}
	}

	n, _ := q.Len(ctx, "elevenlabs")
	if n != 3 {
		t.Fatalf("expected len 3, got %d", n)
	}

	head, err := q.Peek(ctx, "elevenlabs")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if head.VoiceID != "vc_a" {
		t.Errorf("expected vc_a at head, got %s", head.VoiceID)
	}

	// Peek does not remove.
	if n, _ := q.Len(ctx, "elevenlabs"); n != 3 {
		t.Errorf("expected len 3 after peek, got %d", n)
	}

	popped, err := q.PopReady(ctx, "elevenlabs", 2)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(popped) != 2 || popped[0].VoiceID != "vc_a" || popped[1].VoiceID != "vc_b" {
		t.Errorf("unexpected pop order: %v", popped)
	}
	if n, _ := q.Len(ctx, "elevenlabs"); n != 1 {
		t.Errorf("expected len 1 after pop, got %d", n)
	}
}

func TestMemoryQueue_ProvidersAreIsolated(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, entry("vc_a", "u1", 0))
	other := Entry{VoiceID: "vc_x", UserID: "u2", Provider: "playht", EnqueuedAt: time.Now()}
	if added, err := q.Enqueue(ctx, other); err != nil || !added {
		t.Fatalf("enqueue other provider: added=%v err=%v", added, err)
	}

	if n, _ := q.Len(ctx, "elevenlabs"); n != 1 {
		t.Errorf("expected 1 elevenlabs entry, got %d", n)
	}
	if n, _ := q.Len(ctx, "playht"); n != 1 {
		t.Errorf("expected 1 playht entry, got %d", n)
	}

	// Popping one provider's line never drains the other's.
	popped, err := q.PopReady(ctx, "playht", 10)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(popped) != 1 || popped[0].VoiceID != "vc_x" {
		t.Fatalf("unexpected pop: %v", popped)
	}
	if n, _ := q.Len(ctx, "elevenlabs"); n != 1 {
		t.Errorf("expected elevenlabs line untouched, got %d", n)
	}

	// Removal is scoped to the provider's line too.
	if err := q.Remove(ctx, "playht", "vc_a"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound removing across providers, got %v", err)
	}
	if err := q.Remove(ctx, "elevenlabs", "vc_a"); err != nil {
		t.Errorf("remove: %v", err)
	}
}

func TestMemoryQueue_EnqueueKeepsOriginalPosition(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, entry("vc_a", "u1", 0))
	_, _ = q.Enqueue(ctx, entry("vc_b", "u2", time.Second))

	added, err := q.Enqueue(ctx, entry("vc_a", "u1", 2*time.Second))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if added {
		t.Error("expected re-enqueue to report already queued")
	}

	pos, err := q.Position(ctx, "elevenlabs", "vc_a")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos != 1 {
		t.Errorf("expected vc_a to keep position 1, got %d", pos)
	}
}

func TestMemoryQueue_RemoveAndPosition(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, entry("vc_a", "u1", 0))
	_, _ = q.Enqueue(ctx, entry("vc_b", "u2", time.Second))
	_, _ = q.Enqueue(ctx, entry("vc_c", "u3", 2*time.Second))

	if pos, _ := q.Position(ctx, "elevenlabs", "vc_c"); pos != 3 {
		t.Errorf("expected position 3, got %d", pos)
	}

	if err := q.Remove(ctx, "elevenlabs", "vc_b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if pos, _ := q.Position(ctx, "elevenlabs", "vc_c"); pos != 2 {
		t.Errorf("expected position 2 after removal ahead, got %d", pos)
	}
	if err := q.Remove(ctx, "elevenlabs", "vc_b"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on double remove, got %v", err)
	}
	if _, err := q.Position(ctx, "elevenlabs", "vc_b"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound position, got %v", err)
	}
}

func TestMemoryQueue_EmptyBehavior(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if _, err := q.Peek(ctx, "elevenlabs"); err != ErrEmpty {
		t.Errorf("expected ErrEmpty peek, got %v", err)
	}
	popped, err := q.PopReady(ctx, "elevenlabs", 5)
	if err != nil {
		t.Fatalf("pop empty: %v", err)
	}
	if len(popped) != 0 {
		t.Errorf("expected no entries, got %v", popped)
	}
}

func TestMemoryQueue_Snapshot(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, entry("vc_a", "u1", 0))
	_, _ = q.Enqueue(ctx, entry("vc_b", "u2", time.Second))

	snap, err := q.Snapshot(ctx, "elevenlabs")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 2 || snap[0].VoiceID != "vc_a" || snap[1].VoiceID != "vc_b" {
		t.Errorf("unexpected snapshot: %v", snap)
	}

	// Snapshot is a copy; mutating it does not affect the queue.
	snap[0].VoiceID = "mutated"
	head, _ := q.Peek(ctx, "elevenlabs")
	if head.VoiceID != "vc_a" {
		t.Errorf("expected queue unaffected by snapshot mutation, got %s", head.VoiceID)
	}
}
