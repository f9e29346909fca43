package slots

import (
	"context"
	"errors"
	"fmt"

	"github.com/storyvoice/storyvoice/internal/metrics"
	"github.com/storyvoice/storyvoice/internal/provider"
	"github.com/storyvoice/storyvoice/internal/retry"
	"github.com/storyvoice/storyvoice/internal/traces"
	"github.com/storyvoice/storyvoice/internal/voice"
)

// Allocate performs the provider clone call for a voice in allocating
// state. It runs on the worker pool. Transient provider failures are
// returned as-is so the task runner retries; anything else marks the voice
// failed.
func (m *Manager) Allocate(ctx context.Context, voiceID string) error {
	ctx, span := traces.StartSpan(ctx, "slots.Allocate", traces.VoiceID(voiceID))
	defer span.End()

	claimed, err := m.voices.ClaimSlotLock(ctx, voiceID, m.owner, m.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return voice.ErrSlotLockHeld
	}
	defer func() { _ = m.voices.ReleaseSlotLock(ctx, voiceID, m.owner) }()

	v, err := m.voices.Get(ctx, voiceID)
	if err == voice.ErrVoiceNotFound {
		// Deleted while queued for allocation; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}

	switch v.Status {
	case voice.StatusReady, voice.StatusCooling:
		return nil // already done by another path
	case voice.StatusAllocating:
	default:
		// EnsureActive normally moves the voice to allocating before
		// dispatch; cover direct dispatches too.
		if err := m.transition(ctx, v, voice.StatusAllocating, voice.EventAllocated, "allocation started"); err != nil {
			return err
		}
	}

	adapter, err := m.registry.Get(v.Provider)
	if err != nil {
		return m.failAllocation(ctx, v, err)
	}

	sample, contentType, err := m.blobs.Get(ctx, v.SampleKey)
	if err != nil {
		return m.failAllocation(ctx, v, fmt.Errorf("open sample: %w", err))
	}
	defer func() { _ = sample.Close() }()

	remoteID, err := adapter.CreateVoice(ctx, v.Name, sample, contentType)
	if err != nil {
		if errors.Is(err, provider.ErrProviderUnavailable) {
			// Leave the voice allocating; the task runner retries.
			metrics.SlotAllocationsTotal.WithLabelValues("retry").Inc()
			return err
		}
		return m.failAllocation(ctx, v, err)
	}

	v.RemoteVoiceID = remoteID
	v.LastError = ""
	m.touch(ctx, v)
	if err := m.transition(ctx, v, voice.StatusReady, voice.EventWarmed, "remote voice "+remoteID); err != nil {
		return err
	}

	metrics.SlotAllocationsTotal.WithLabelValues("ok").Inc()
	m.logger.Info("voice allocated", "voice_id", v.ID, "provider", v.Provider, "remote_id", remoteID)
	m.refreshGauges(ctx, v.Provider)
	return nil
}

// FailAllocation marks a voice's allocation permanently failed. The task
// runner calls this when retries are exhausted.
func (m *Manager) FailAllocation(ctx context.Context, voiceID string, cause error) error {
	claimed, err := m.voices.ClaimSlotLock(ctx, voiceID, m.owner, m.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return voice.ErrSlotLockHeld
	}
	defer func() { _ = m.voices.ReleaseSlotLock(ctx, voiceID, m.owner) }()

	v, err := m.voices.Get(ctx, voiceID)
	if err == voice.ErrVoiceNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if v.Status != voice.StatusAllocating {
		return nil
	}
	return m.failAllocation(ctx, v, cause)
}

// failAllocation transitions to error and frees the slot for the queue.
// Caller holds the slot lock.
func (m *Manager) failAllocation(ctx context.Context, v *voice.Voice, cause error) error {
	v.LastError = cause.Error()
	if err := m.transition(ctx, v, voice.StatusError, voice.EventFailed, cause.Error()); err != nil {
		return err
	}
	metrics.SlotAllocationsTotal.WithLabelValues("failed").Inc()
	m.logger.Warn("voice allocation failed", "voice_id", v.ID, "error", cause)
	m.refreshGauges(ctx, v.Provider)
	// The voice is already marked failed; stop the task runner's retries.
	return retry.Permanent(cause)
}
