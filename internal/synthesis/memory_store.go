package synthesis

import (
	"context"
	"sort"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	byTriple map[string]string // userID|voiceID|storyID -> job ID
}

// NewMemoryStore creates a new in-memory synthesis job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		byTriple: make(map[string]string),
	}
}

func tripleKey(userID, voiceID, storyID string) string {
	return userID + "|" + voiceID + "|" + storyID
}

func (m *MemoryStore) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tripleKey(j.UserID, j.VoiceID, j.StoryID)
	if _, exists := m.byTriple[key]; exists {
		return ErrJobExists
	}
	cp := *j
	m.jobs[j.ID] = &cp
	m.byTriple[key] = j.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) GetByVoiceStory(_ context.Context, userID, voiceID, storyID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTriple[tripleKey(userID, voiceID, storyID)]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *m.jobs[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			cp := *j
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.After(result[k].CreatedAt)
		}
		return result[i].ID > result[k].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
