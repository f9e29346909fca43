package story

import (
	"context"
	"sort"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory story store for demo/development mode.
type MemoryStore struct {
	stories map[string]*Story
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory story store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stories: make(map[string]*Story)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.stories[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Story, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stories[id]
	if !ok {
		return nil, ErrStoryNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Story, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Story
	for _, s := range m.stories {
		if s.UserID == userID {
			cp := *s
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

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stories[id]; !ok {
		return ErrStoryNotFound
	}
	delete(m.stories, id)
	return nil
}
