package slotqueue

import (
	"context"
	"sync"
)

// Compile-time check that MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory queue for demo/development mode. Order is
// insertion order per provider; the index map makes membership checks O(1).
type MemoryQueue struct {
	entries map[string][]Entry // provider -> queued entries
	index   map[string]string  // voiceID -> provider
	mu      sync.Mutex
}

// NewMemoryQueue creates a new in-memory slot queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string][]Entry),
		index:   make(map[string]string),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, e Entry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[e.VoiceID]; ok {
		return false, nil
	}
	q.entries[e.Provider] = append(q.entries[e.Provider], e)
	q.index[e.VoiceID] = e.Provider
	return true, nil
}

func (q *MemoryQueue) Peek(ctx context.Context, provider string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	line := q.entries[provider]
	if len(line) == 0 {
		return nil, ErrEmpty
	}
	cp := line[0]
	return &cp, nil
}

func (q *MemoryQueue) PopReady(ctx context.Context, provider string, max int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	line := q.entries[provider]
	if max <= 0 || len(line) == 0 {
		return nil, nil
	}
	n := max
	if n > len(line) {
		n = len(line)
	}
	popped := make([]Entry, n)
	copy(popped, line[:n])
	q.entries[provider] = append([]Entry(nil), line[n:]...)
	for _, e := range popped {
		delete(q.index, e.VoiceID)
	}
	return popped, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, provider, voiceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.index[voiceID]; !ok || p != provider {
		return ErrNotFound
	}
	line := q.entries[provider]
	for i, e := range line {
		if e.VoiceID == voiceID {
			q.entries[provider] = append(line[:i], line[i+1:]...)
			break
		}
	}
	delete(q.index, voiceID)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context, provider string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[provider]), nil
}

func (q *MemoryQueue) Position(ctx context.Context, provider, voiceID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries[provider] {
		if e.VoiceID == voiceID {
			return i + 1, nil
		}
	}
	return 0, ErrNotFound
}

func (q *MemoryQueue) Snapshot(ctx context.Context, provider string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	line := q.entries[provider]
	out := make([]Entry, len(line))
	copy(out, line)
	return out, nil
}
