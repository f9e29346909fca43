// Package slotqueue is the durable FIFO of voices waiting for a provider
// slot. Each provider has its own queue: entries are scored by enqueue time
// so the longest-waiting voice pops first, and re-enqueueing an existing
// voice keeps its original position.
package slotqueue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmpty    = errors.New("slot queue is empty")
	ErrNotFound = errors.New("voice not queued")
)

// Entry is one queued voice.
type Entry struct {
	VoiceID    string    `json:"voiceId"`
	UserID     string    `json:"userId"`
	Provider   string    `json:"provider"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue orders voices waiting for a slot, one line per provider.
type Queue interface {
	// Enqueue appends the voice to its provider's queue. If it is already
	// queued, the original position is kept and false is returned.
	Enqueue(ctx context.Context, e Entry) (bool, error)
	// Peek returns the provider's head entry without removing it, or ErrEmpty.
	Peek(ctx context.Context, provider string) (*Entry, error)
	// PopReady atomically removes and returns up to max head entries from
	// the provider's queue.
	PopReady(ctx context.Context, provider string, max int) ([]Entry, error)
	// Remove deletes the voice from the provider's queue, or ErrNotFound.
	Remove(ctx context.Context, provider, voiceID string) error
	Len(ctx context.Context, provider string) (int, error)
	// Position returns the voice's 1-based place in the provider's line,
	// or ErrNotFound.
	Position(ctx context.Context, provider, voiceID string) (int, error)
	// Snapshot returns all of the provider's entries in order, head first.
	Snapshot(ctx context.Context, provider string) ([]Entry, error)
}
