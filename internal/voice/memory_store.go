package voice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory voice store for demo/development mode.
type MemoryStore struct {
	voices   map[string]*Voice   // by ID
	byRemote map[string]string   // remoteVoiceID -> ID
	events   map[string][]*SlotEvent
	locks    map[string]slotLock // voiceID -> lock
	mu       sync.RWMutex
}

type slotLock struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory voice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		voices:   make(map[string]*Voice),
		byRemote: make(map[string]string),
		events:   make(map[string][]*SlotEvent),
		locks:    make(map[string]slotLock),
	}
}

func (m *MemoryStore) Create(ctx context.Context, v *Voice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.RemoteVoiceID != "" {
		if id, ok := m.byRemote[v.RemoteVoiceID]; ok && id != v.ID {
			return ErrRemoteIDConflict
		}
	}
	cp := *v
	m.voices[v.ID] = &cp
	if v.RemoteVoiceID != "" {
		m.byRemote[v.RemoteVoiceID] = v.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Voice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.voices[id]
	if !ok {
		return nil, ErrVoiceNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) GetByRemoteID(ctx context.Context, remoteID string) (*Voice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRemote[remoteID]
	if !ok {
		return nil, ErrVoiceNotFound
	}
	cp := *m.voices[id]
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Voice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Voice
	for _, v := range m.voices {
		if v.UserID == userID {
			cp := *v
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, v *Voice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.voices[v.ID]
	if !ok {
		return ErrVoiceNotFound
	}
	if old.Status != v.Status && !CanTransition(old.Status, v.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old.Status, v.Status)
	}
	if v.RemoteVoiceID != "" {
		if id, ok := m.byRemote[v.RemoteVoiceID]; ok && id != v.ID {
			return ErrRemoteIDConflict
		}
	}
	if old.RemoteVoiceID != "" && old.RemoteVoiceID != v.RemoteVoiceID {
		delete(m.byRemote, old.RemoteVoiceID)
	}
	v.UpdatedAt = time.Now()
	cp := *v
	m.voices[v.ID] = &cp
	if v.RemoteVoiceID != "" {
		m.byRemote[v.RemoteVoiceID] = v.ID
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.voices[id]
	if !ok {
		return ErrVoiceNotFound
	}
	if v.RemoteVoiceID != "" {
		delete(m.byRemote, v.RemoteVoiceID)
	}
	delete(m.voices, id)
	delete(m.events, id)
	delete(m.locks, id)
	return nil
}

func (m *MemoryStore) CountActive(ctx context.Context, provider string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, v := range m.voices {
		if v.Provider == provider && v.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, provider string) ([]*Voice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Voice
	for _, v := range m.voices {
		if v.Provider == provider && v.Status.Active() {
			cp := *v
			result = append(result, &cp)
		}
	}
	sortByIdleness(result)
	return result, nil
}

func (m *MemoryStore) ListReclaimCandidates(ctx context.Context, provider string, idleBefore time.Time, limit int) ([]*Voice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Voice
	for _, v := range m.voices {
		if v.Provider != provider {
			continue
		}
		if v.Status != StatusReady && v.Status != StatusCooling {
			continue
		}
		if v.LastUsedAt != nil && !v.LastUsedAt.Before(idleBefore) {
			continue
		}
		cp := *v
		result = append(result, &cp)
	}
	sortByIdleness(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ClaimSlotLock(ctx context.Context, voiceID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if lock, ok := m.locks[voiceID]; ok && lock.owner != owner && lock.expiresAt.After(now) {
		return false, nil
	}
	m.locks[voiceID] = slotLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseSlotLock(ctx context.Context, voiceID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[voiceID]; ok && lock.owner == owner {
		delete(m.locks, voiceID)
	}
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *SlotEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events[e.VoiceID] = append(m.events[e.VoiceID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, voiceID string, limit int) ([]*SlotEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[voiceID]
	var result []*SlotEvent
	for i := len(events) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		cp := *events[i]
		result = append(result, &cp)
	}
	return result, nil
}

// sortByIdleness orders voices oldest last use first; voices never used sort
// before any used voice, and ID breaks remaining ties.
func sortByIdleness(voices []*Voice) {
	sort.Slice(voices, func(i, j int) bool {
		a, b := voices[i], voices[j]
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
		return a.ID < b.ID
	})
}
