// Package voice manages cloned voice records and their slot lifecycle state.
//
// A voice starts as a recorded sample. Getting a remote provider voice
// requires a slot; slots are scarce, so a voice moves through allocating to
// ready, cools down when idle, and can be evicted to make room. Every slot
// transition is appended to an event log for drift repair and debugging.
package voice

import (
	"context"
	"errors"
	"time"
)

var (
	ErrVoiceNotFound      = errors.New("voice not found")
	ErrInvalidTransition  = errors.New("invalid allocation status transition")
	ErrRemoteIDConflict   = errors.New("remote voice id already bound to another voice")
	ErrSlotLockHeld       = errors.New("slot lock held by another owner")
)

// AllocationStatus is a voice's position in the slot lifecycle.
type AllocationStatus string

const (
	// StatusRecorded means the sample is stored but no provider voice exists.
	StatusRecorded AllocationStatus = "recorded"
	// StatusAllocating means a provider clone call is in flight.
	StatusAllocating AllocationStatus = "allocating"
	// StatusReady means the provider voice exists and can synthesize.
	StatusReady AllocationStatus = "ready"
	// StatusCooling means the voice is idle past the warm hold; it still
	// occupies a slot but is first in line for reclaim.
	StatusCooling AllocationStatus = "cooling"
	// StatusEvicted means the provider voice was deleted to free a slot.
	// The sample is retained so the voice can be re-allocated.
	StatusEvicted AllocationStatus = "evicted"
	// StatusError means the last allocation attempt failed permanently.
	StatusError AllocationStatus = "error"
)

// Active reports whether the status occupies a provider slot.
func (s AllocationStatus) Active() bool {
	return s == StatusAllocating || s == StatusReady || s == StatusCooling
}

// transitions lists the allowed status moves. Anything absent is invalid.
var transitions = map[AllocationStatus][]AllocationStatus{
	StatusRecorded:   {StatusAllocating},
	StatusAllocating: {StatusReady, StatusError, StatusRecorded},
	StatusReady:      {StatusCooling, StatusEvicted},
	StatusCooling:    {StatusReady, StatusEvicted},
	StatusEvicted:    {StatusAllocating},
	StatusError:      {StatusAllocating},
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to AllocationStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Voice is a cloned narration voice owned by one user.
type Voice struct {
	ID            string           `json:"id"`
	UserID        string           `json:"userId"`
	Name          string           `json:"name"`
	Provider      string           `json:"provider"`
	RemoteVoiceID string           `json:"remoteVoiceId,omitempty"`
	Status        AllocationStatus `json:"status"`
	SampleKey     string           `json:"-"`
	LastUsedAt    *time.Time       `json:"lastUsedAt,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// EventType classifies a slot event.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventAllocated EventType = "allocated"
	EventEvicted   EventType = "evicted"
	EventCooled    EventType = "cooled"
	EventWarmed    EventType = "warmed"
	EventFailed    EventType = "failed"
	EventRepaired  EventType = "repaired"
	EventDeleted   EventType = "deleted"
)

// SlotEvent is one entry in a voice's slot audit log.
type SlotEvent struct {
	ID        string    `json:"id"`
	VoiceID   string    `json:"voiceId"`
	Type      EventType `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists voices, slot locks, and slot events.
type Store interface {
	Create(ctx context.Context, v *Voice) error
	Get(ctx context.Context, id string) (*Voice, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*Voice, error)
	ListByUser(ctx context.Context, userID string) ([]*Voice, error)
	Update(ctx context.Context, v *Voice) error
	Delete(ctx context.Context, id string) error

	// CountActive returns how many of the provider's voices currently
	// occupy a slot. Slots are per provider.
	CountActive(ctx context.Context, provider string) (int, error)
	// ListActive returns the provider's slot-occupying voices, oldest
	// last_used first.
	ListActive(ctx context.Context, provider string) ([]*Voice, error)
	// ListReclaimCandidates returns the provider's ready/cooling voices
	// whose last use is before idleBefore, oldest first.
	ListReclaimCandidates(ctx context.Context, provider string, idleBefore time.Time, limit int) ([]*Voice, error)

	// ClaimSlotLock takes the per-voice work lock for owner. It returns
	// false if another owner holds an unexpired lock. Re-claiming by the
	// same owner extends the TTL.
	ClaimSlotLock(ctx context.Context, voiceID, owner string, ttl time.Duration) (bool, error)
	// ReleaseSlotLock drops the lock if owner still holds it.
	ReleaseSlotLock(ctx context.Context, voiceID, owner string) error

	AppendEvent(ctx context.Context, e *SlotEvent) error
	ListEvents(ctx context.Context, voiceID string, limit int) ([]*SlotEvent, error)
}
