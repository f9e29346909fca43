// Package slots is the elastic voice slot manager. Upstream providers cap
// how many cloned voices can exist at once; this package decides which
// voices hold a slot, queues the rest, and evicts idle voices when demand
// outgrows capacity.
package slots

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyvoice/storyvoice/internal/blob"
	"github.com/storyvoice/storyvoice/internal/idgen"
	"github.com/storyvoice/storyvoice/internal/metrics"
	"github.com/storyvoice/storyvoice/internal/provider"
	"github.com/storyvoice/storyvoice/internal/slotqueue"
	"github.com/storyvoice/storyvoice/internal/traces"
	"github.com/storyvoice/storyvoice/internal/voice"
)

// State is the outcome of an EnsureActive call.
type State string

const (
	// StateReady means the voice holds a slot and can synthesize now.
	StateReady State = "ready"
	// StateAllocating means a slot was claimed and the provider clone is
	// in flight.
	StateAllocating State = "allocating"
	// StateQueued means no slot was free; the voice waits in line.
	StateQueued State = "queued"
	// StateFailed means the voice cannot be activated (permanent error).
	StateFailed State = "failed"
)

// EnsureResult reports what EnsureActive did.
type EnsureResult struct {
	State         State
	Voice         *voice.Voice
	Reason        string // set when State == StateFailed
	QueuePosition int    // 1-based, set when State == StateQueued
	QueueLength   int    // set when State == StateQueued
}

// Dispatcher hands allocation work to the background pool. Implemented by
// the worker package; wired after construction to break the cycle.
type Dispatcher interface {
	DispatchAllocate(ctx context.Context, voiceID string) error
}

// BalanceChecker exposes a user's open credit balance. Zero-balance users
// lose their slots first when capacity is contended.
type BalanceChecker interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Config holds the manager's capacity knobs.
type Config struct {
	SlotLimit           int
	WarmHold            time.Duration
	LockTTL             time.Duration
	MaxDispatchPerCycle int
}

// Manager owns the slot lifecycle for all voices.
type Manager struct {
	voices   voice.Store
	queue    slotqueue.Queue
	registry *provider.Registry
	blobs    blob.Store
	balances BalanceChecker
	dispatch Dispatcher
	cfg      Config
	owner    string // slot lock owner identity for this process
	logger   *slog.Logger
}

// NewManager creates a slot manager. Call SetDispatcher before any
// EnsureActive that could need an allocation.
func NewManager(voices voice.Store, queue slotqueue.Queue, registry *provider.Registry, blobs blob.Store, balances BalanceChecker, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxDispatchPerCycle <= 0 {
		cfg.MaxDispatchPerCycle = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Manager{
		voices:   voices,
		queue:    queue,
		registry: registry,
		blobs:    blobs,
		balances: balances,
		cfg:      cfg,
		owner:    "slots_" + idgen.Hex(6),
		logger:   logger,
	}
}

// SetDispatcher wires the background task dispatcher.
func (m *Manager) SetDispatcher(d Dispatcher) { m.dispatch = d }

// EnsureActive gets the voice usable: immediately if it already holds a
// slot, by starting an allocation when capacity allows (evicting an idle
// voice if needed), or by queueing it when the fleet is saturated with
// recently-used voices.
func (m *Manager) EnsureActive(ctx context.Context, voiceID string) (*EnsureResult, error) {
	ctx, span := traces.StartSpan(ctx, "slots.EnsureActive", traces.VoiceID(voiceID))
	defer span.End()

	v, err := m.voices.Get(ctx, voiceID)
	if err != nil {
		return nil, err
	}

	switch v.Status {
	case voice.StatusReady, voice.StatusCooling:
		if v.Status == voice.StatusCooling {
			if err := m.transition(ctx, v, voice.StatusReady, voice.EventWarmed, ""); err != nil {
				return nil, err
			}
		}
		m.touch(ctx, v)
		return &EnsureResult{State: StateReady, Voice: v}, nil

	case voice.StatusAllocating:
		return &EnsureResult{State: StateAllocating, Voice: v}, nil

	case voice.StatusError:
		// The last allocation failed permanently. The voice stays failed
		// until it is re-created; it must not re-enter the slot race.
		reason := v.LastError
		if reason == "" {
			reason = "voice allocation failed"
		}
		return &EnsureResult{State: StateFailed, Voice: v, Reason: reason}, nil
	}

	// recorded or evicted: the voice needs a slot in its provider's pool.
	active, err := m.voices.CountActive(ctx, v.Provider)
	if err != nil {
		return nil, err
	}

	if active < m.cfg.SlotLimit {
		return m.beginAllocation(ctx, v)
	}

	// Full. An idle voice past its warm hold can be displaced right now.
	victim, err := m.pickVictim(ctx, v.Provider, 1)
	if err != nil {
		return nil, err
	}
	if victim != nil {
		if err := m.Evict(ctx, victim, "displaced by "+v.ID); err != nil {
			m.logger.Warn("eviction failed, queueing instead",
				"voice_id", v.ID, "victim_id", victim.ID, "error", err)
		} else {
			return m.beginAllocation(ctx, v)
		}
	}

	return m.enqueue(ctx, v)
}

// beginAllocation moves the voice to allocating and hands the provider call
// to the worker pool.
func (m *Manager) beginAllocation(ctx context.Context, v *voice.Voice) (*EnsureResult, error) {
	claimed, err := m.voices.ClaimSlotLock(ctx, v.ID, m.owner, m.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Someone else is already working this voice.
		return &EnsureResult{State: StateAllocating, Voice: v}, nil
	}
	defer func() { _ = m.voices.ReleaseSlotLock(ctx, v.ID, m.owner) }()

	// Re-read under the lock; another caller may have started this
	// allocation between our status check and the claim.
	v, err = m.voices.Get(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case voice.StatusReady, voice.StatusCooling:
		return &EnsureResult{State: StateReady, Voice: v}, nil
	case voice.StatusAllocating:
		return &EnsureResult{State: StateAllocating, Voice: v}, nil
	}

	if err := m.transition(ctx, v, voice.StatusAllocating, voice.EventAllocated, "allocation started"); err != nil {
		return nil, err
	}

	if m.dispatch == nil {
		return nil, fmt.Errorf("slot manager has no dispatcher")
	}
	if err := m.dispatch.DispatchAllocate(ctx, v.ID); err != nil {
		// Roll back so a later attempt can retry.
		_ = m.transition(ctx, v, voice.StatusRecorded, voice.EventFailed, "dispatch failed")
		return nil, fmt.Errorf("dispatch allocation: %w", err)
	}

	metrics.SlotAllocationsTotal.WithLabelValues("started").Inc()
	m.refreshGauges(ctx, v.Provider)
	return &EnsureResult{State: StateAllocating, Voice: v}, nil
}

// enqueue parks the voice in its provider's wait queue and reports its
// position.
func (m *Manager) enqueue(ctx context.Context, v *voice.Voice) (*EnsureResult, error) {
	added, err := m.queue.Enqueue(ctx, slotqueue.Entry{
		VoiceID:    v.ID,
		UserID:     v.UserID,
		Provider:   v.Provider,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue voice: %w", err)
	}
	if added {
		m.appendEvent(ctx, v.ID, voice.EventQueued, "")
	}

	pos, err := m.queue.Position(ctx, v.Provider, v.ID)
	if err != nil {
		pos = 0
	}
	length, err := m.queue.Len(ctx, v.Provider)
	if err != nil {
		length = 0
	}
	m.refreshGauges(ctx, v.Provider)

	return &EnsureResult{
		State:         StateQueued,
		Voice:         v,
		QueuePosition: pos,
		QueueLength:   length,
	}, nil
}

// Evict deletes the provider voice and frees its slot. The sample stays so
// the voice can come back later.
func (m *Manager) Evict(ctx context.Context, v *voice.Voice, reason string) error {
	claimed, err := m.voices.ClaimSlotLock(ctx, v.ID, m.owner, m.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return voice.ErrSlotLockHeld
	}
	defer func() { _ = m.voices.ReleaseSlotLock(ctx, v.ID, m.owner) }()

	if v.RemoteVoiceID != "" {
		adapter, err := m.registry.Get(v.Provider)
		if err != nil {
			return err
		}
		if err := adapter.DeleteVoice(ctx, v.RemoteVoiceID); err != nil {
			return fmt.Errorf("delete remote voice: %w", err)
		}
	}

	v.RemoteVoiceID = ""
	if err := m.transition(ctx, v, voice.StatusEvicted, voice.EventEvicted, reason); err != nil {
		return err
	}

	metrics.SlotEvictionsTotal.WithLabelValues(evictionReasonLabel(reason)).Inc()
	m.logger.Info("voice evicted", "voice_id", v.ID, "reason", reason)
	m.refreshGauges(ctx, v.Provider)
	return nil
}

// Release implements voice.Deallocator: frees everything a voice holds
// before its record is deleted.
func (m *Manager) Release(ctx context.Context, v *voice.Voice) error {
	if err := m.queue.Remove(ctx, v.Provider, v.ID); err != nil && err != slotqueue.ErrNotFound {
		return err
	}

	if v.RemoteVoiceID != "" {
		adapter, err := m.registry.Get(v.Provider)
		if err != nil {
			return err
		}
		if err := adapter.DeleteVoice(ctx, v.RemoteVoiceID); err != nil {
			return fmt.Errorf("delete remote voice: %w", err)
		}
	}

	m.appendEvent(ctx, v.ID, voice.EventDeleted, "")
	m.refreshGauges(ctx, v.Provider)
	return nil
}

// ProviderStatus is one provider's slot occupancy and wait line.
type ProviderStatus struct {
	Provider    string            `json:"provider"`
	ActiveCount int               `json:"activeCount"`
	Active      []*voice.Voice    `json:"active"`
	QueueLength int               `json:"queueLength"`
	Queue       []slotqueue.Entry `json:"queue"`
}

// Status is the admin snapshot across all registered providers.
type Status struct {
	SlotLimit int              `json:"slotLimit"`
	Providers []ProviderStatus `json:"providers"`
}

// GetStatus returns slot occupancy and queue contents per provider.
func (m *Manager) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{SlotLimit: m.cfg.SlotLimit}
	for _, name := range m.registry.Names() {
		active, err := m.voices.ListActive(ctx, name)
		if err != nil {
			return nil, err
		}
		entries, err := m.queue.Snapshot(ctx, name)
		if err != nil {
			return nil, err
		}
		status.Providers = append(status.Providers, ProviderStatus{
			Provider:    name,
			ActiveCount: len(active),
			Active:      active,
			QueueLength: len(entries),
			Queue:       entries,
		})
	}
	return status, nil
}

// QueuePosition returns the voice's 1-based wait position and its provider's
// queue length, or (0, length) when the voice is not queued.
func (m *Manager) QueuePosition(ctx context.Context, voiceID string) (int, int, error) {
	v, err := m.voices.Get(ctx, voiceID)
	if err != nil {
		return 0, 0, err
	}
	length, err := m.queue.Len(ctx, v.Provider)
	if err != nil {
		return 0, 0, err
	}
	pos, err := m.queue.Position(ctx, v.Provider, voiceID)
	if err == slotqueue.ErrNotFound {
		return 0, length, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return pos, length, nil
}

// transition validates and applies a status change, logging it to the
// voice's event stream.
func (m *Manager) transition(ctx context.Context, v *voice.Voice, to voice.AllocationStatus, event voice.EventType, detail string) error {
	if !voice.CanTransition(v.Status, to) {
		return fmt.Errorf("%w: %s -> %s for voice %s", voice.ErrInvalidTransition, v.Status, to, v.ID)
	}
	v.Status = to
	if err := m.voices.Update(ctx, v); err != nil {
		return err
	}
	m.appendEvent(ctx, v.ID, event, detail)
	return nil
}

// touch stamps the voice's last use. Best effort; a stale timestamp only
// delays reclaim.
func (m *Manager) touch(ctx context.Context, v *voice.Voice) {
	now := time.Now()
	v.LastUsedAt = &now
	if err := m.voices.Update(ctx, v); err != nil {
		m.logger.Warn("touch voice failed", "voice_id", v.ID, "error", err)
	}
}

func (m *Manager) appendEvent(ctx context.Context, voiceID string, typ voice.EventType, detail string) {
	err := m.voices.AppendEvent(ctx, &voice.SlotEvent{
		ID:        idgen.WithPrefix("evt_"),
		VoiceID:   voiceID,
		Type:      typ,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		m.logger.Warn("append slot event failed", "voice_id", voiceID, "type", typ, "error", err)
	}
}

func (m *Manager) refreshGauges(ctx context.Context, provider string) {
	if n, err := m.voices.CountActive(ctx, provider); err == nil {
		metrics.ActiveSlots.WithLabelValues(provider).Set(float64(n))
	}
	if n, err := m.queue.Len(ctx, provider); err == nil {
		metrics.SlotQueueDepth.WithLabelValues(provider).Set(float64(n))
	}
}

func evictionReasonLabel(reason string) string {
	if reason == "idle" {
		return "idle"
	}
	return "displaced"
}
