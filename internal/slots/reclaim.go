package slots

import (
	"context"
	"sort"
	"time"

	"github.com/storyvoice/storyvoice/internal/slotqueue"
	"github.com/storyvoice/storyvoice/internal/traces"
	"github.com/storyvoice/storyvoice/internal/voice"
)

// ProcessQueue hands free slots to the longest-waiting voices, provider by
// provider. Runs on the queue poll beat and after evictions. Returns how
// many allocations were dispatched.
func (m *Manager) ProcessQueue(ctx context.Context) (int, error) {
	ctx, span := traces.StartSpan(ctx, "slots.ProcessQueue")
	defer span.End()

	dispatched := 0
	for _, name := range m.registry.Names() {
		n, err := m.processProviderQueue(ctx, name)
		dispatched += n
		if err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

func (m *Manager) processProviderQueue(ctx context.Context, provider string) (int, error) {
	active, err := m.voices.CountActive(ctx, provider)
	if err != nil {
		return 0, err
	}
	free := m.cfg.SlotLimit - active
	if free <= 0 {
		return 0, nil
	}
	if free > m.cfg.MaxDispatchPerCycle {
		free = m.cfg.MaxDispatchPerCycle
	}

	entries, err := m.queue.PopReady(ctx, provider, free)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, e := range entries {
		v, err := m.voices.Get(ctx, e.VoiceID)
		if err == voice.ErrVoiceNotFound {
			continue // deleted while waiting
		}
		if err != nil {
			return dispatched, err
		}
		if v.Status.Active() {
			continue // got a slot through another path
		}

		if _, err := m.beginAllocation(ctx, v); err != nil {
			m.logger.Warn("queued allocation dispatch failed",
				"voice_id", v.ID, "error", err)
			// Put it back rather than dropping the request.
			_, _ = m.queue.Enqueue(ctx, e)
			continue
		}
		dispatched++
	}

	m.refreshGauges(ctx, provider)
	return dispatched, nil
}

// ReclaimIdle ages out idle voices in every provider pool. Ready voices past
// the warm hold move to cooling; cooling voices are evicted only when someone
// is waiting for that provider's slots. Returns (cooled, evicted).
func (m *Manager) ReclaimIdle(ctx context.Context) (int, int, error) {
	ctx, span := traces.StartSpan(ctx, "slots.ReclaimIdle")
	defer span.End()

	var cooled, evicted int
	for _, name := range m.registry.Names() {
		c, e, err := m.reclaimProvider(ctx, name)
		cooled += c
		evicted += e
		if err != nil {
			return cooled, evicted, err
		}
	}
	return cooled, evicted, nil
}

func (m *Manager) reclaimProvider(ctx context.Context, provider string) (int, int, error) {
	idleBefore := time.Now().Add(-m.cfg.WarmHold)
	candidates, err := m.voices.ListReclaimCandidates(ctx, provider, idleBefore, m.cfg.SlotLimit)
	if err != nil {
		return 0, 0, err
	}

	cooled := 0
	var coolingPool []*voice.Voice
	for _, v := range candidates {
		switch v.Status {
		case voice.StatusReady:
			if err := m.transition(ctx, v, voice.StatusCooling, voice.EventCooled, ""); err != nil {
				m.logger.Warn("cooling transition failed", "voice_id", v.ID, "error", err)
				continue
			}
			cooled++
			coolingPool = append(coolingPool, v)
		case voice.StatusCooling:
			coolingPool = append(coolingPool, v)
		}
	}

	waiting, err := m.queue.Len(ctx, provider)
	if err != nil {
		return cooled, 0, err
	}
	if waiting == 0 || len(coolingPool) == 0 {
		m.refreshGauges(ctx, provider)
		return cooled, 0, nil
	}

	need := waiting
	if need > len(coolingPool) {
		need = len(coolingPool)
	}
	victims := m.orderForEviction(ctx, coolingPool)[:need]

	evicted := 0
	for _, v := range victims {
		if err := m.Evict(ctx, v, "idle"); err != nil {
			m.logger.Warn("idle eviction failed", "voice_id", v.ID, "error", err)
			continue
		}
		evicted++
	}

	if evicted > 0 {
		if _, err := m.processProviderQueue(ctx, provider); err != nil {
			m.logger.Warn("post-reclaim queue dispatch failed", "error", err)
		}
	}
	return cooled, evicted, nil
}

// pickVictim returns the provider's best eviction candidate among voices
// idle past the warm hold, or nil when every slot holder is recently active.
func (m *Manager) pickVictim(ctx context.Context, provider string, limit int) (*voice.Voice, error) {
	idleBefore := time.Now().Add(-m.cfg.WarmHold)
	candidates, err := m.voices.ListReclaimCandidates(ctx, provider, idleBefore, m.cfg.SlotLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ordered := m.orderForEviction(ctx, candidates)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered[0], nil
}

// orderForEviction sorts candidates by eviction preference: users with no
// open credits lose slots first, then the longest-idle voice, then the
// smallest ID for determinism.
func (m *Manager) orderForEviction(ctx context.Context, candidates []*voice.Voice) []*voice.Voice {
	type scored struct {
		v           *voice.Voice
		zeroBalance bool
	}
	items := make([]scored, len(candidates))
	for i, v := range candidates {
		zero := false
		if m.balances != nil {
			if bal, err := m.balances.Balance(ctx, v.UserID); err == nil && bal == 0 {
				zero = true
			}
		}
		items[i] = scored{v: v, zeroBalance: zero}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.zeroBalance != b.zeroBalance {
			return a.zeroBalance
		}
		au, bu := a.v.LastUsedAt, b.v.LastUsedAt
		switch {
		case au == nil && bu != nil:
			return true
		case au != nil && bu == nil:
			return false
		case au != nil && bu != nil && !au.Equal(*bu):
			return au.Before(*bu)
		}
		return a.v.ID < b.v.ID
	})

	out := make([]*voice.Voice, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	return out
}

// MarkRemoteMissing records that the provider lost a voice it was supposed
// to have. The slot is freed; the stored sample allows re-allocation.
func (m *Manager) MarkRemoteMissing(ctx context.Context, voiceID string) error {
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
	if v.Status != voice.StatusReady && v.Status != voice.StatusCooling {
		return nil
	}

	v.RemoteVoiceID = ""
	if err := m.transition(ctx, v, voice.StatusEvicted, voice.EventRepaired, "remote voice missing"); err != nil {
		return err
	}
	m.logger.Warn("remote voice drifted, slot released", "voice_id", v.ID)
	m.refreshGauges(ctx, v.Provider)
	return nil
}

// RepairDrift reconciles stored state with reality: active voices that lost
// their remote binding, allocations that died mid-flight, and queue entries
// whose voice is gone or already active. Returns the number of repairs.
func (m *Manager) RepairDrift(ctx context.Context) (int, error) {
	ctx, span := traces.StartSpan(ctx, "slots.RepairDrift")
	defer span.End()

	repaired := 0
	for _, name := range m.registry.Names() {
		n, err := m.repairProvider(ctx, name)
		repaired += n
		if err != nil {
			return repaired, err
		}
	}

	if repaired > 0 {
		m.logger.Info("slot drift repaired", "repairs", repaired)
		if _, err := m.ProcessQueue(ctx); err != nil {
			m.logger.Warn("post-repair queue dispatch failed", "error", err)
		}
	}
	return repaired, nil
}

func (m *Manager) repairProvider(ctx context.Context, provider string) (int, error) {
	repaired := 0

	active, err := m.voices.ListActive(ctx, provider)
	if err != nil {
		return 0, err
	}
	for _, v := range active {
		switch v.Status {
		case voice.StatusReady, voice.StatusCooling:
			if v.RemoteVoiceID == "" {
				// Slot accounting says active but there is nothing at
				// the provider. Release the slot.
				if err := m.transition(ctx, v, voice.StatusEvicted, voice.EventRepaired, "missing remote voice"); err != nil {
					m.logger.Warn("drift repair failed", "voice_id", v.ID, "error", err)
					continue
				}
				repaired++
			}
		case voice.StatusAllocating:
			// An allocation whose lock is free is an orphan: the worker
			// died before finishing. Claiming the lock proves no one is
			// working it.
			claimed, err := m.voices.ClaimSlotLock(ctx, v.ID, m.owner, m.cfg.LockTTL)
			if err != nil || !claimed {
				continue
			}
			stale := v.UpdatedAt.Before(time.Now().Add(-2 * m.cfg.LockTTL))
			if stale {
				if err := m.transition(ctx, v, voice.StatusRecorded, voice.EventRepaired, "orphaned allocation"); err == nil {
					_, _ = m.queue.Enqueue(ctx, slotqueue.Entry{
						VoiceID:    v.ID,
						UserID:     v.UserID,
						Provider:   v.Provider,
						EnqueuedAt: time.Now(),
					})
					repaired++
				}
			}
			_ = m.voices.ReleaseSlotLock(ctx, v.ID, m.owner)
		}
	}

	entries, err := m.queue.Snapshot(ctx, provider)
	if err != nil {
		return repaired, err
	}
	for _, e := range entries {
		v, err := m.voices.Get(ctx, e.VoiceID)
		if err == voice.ErrVoiceNotFound || (err == nil && v.Status.Active()) {
			if rmErr := m.queue.Remove(ctx, provider, e.VoiceID); rmErr == nil {
				repaired++
			}
			continue
		}
	}

	m.refreshGauges(ctx, provider)
	return repaired, nil
}
