package sessionstore

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the in-memory ring when no capacity is configured.
const DefaultCapacity = 256

// MemStore is a bounded in-memory Store. When the ring is full, archiving a
// new session evicts the oldest record.
type MemStore struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]Record
	order    []string // session IDs, oldest first
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates a MemStore holding at most capacity records.
// A non-positive capacity means DefaultCapacity.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemStore{
		capacity: capacity,
		records:  make(map[string]Record, capacity),
	}
}

// Archive implements Store.
func (s *MemStore) Archive(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.SessionID]; exists {
		s.records[rec.SessionID] = rec
		return nil
	}

	for len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
	}

	s.records[rec.SessionID] = rec
	s.order = append(s.order, rec.SessionID)
	return nil
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Recent implements Store.
func (s *MemStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

// Close implements Store. It is a no-op for the memory store.
func (s *MemStore) Close() {}

// Len returns the number of archived records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
