package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory StateStore used in tests and local runs
// without a NATS server. Not durable.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

// Save stores a copy of the snapshot.
func (s *MemoryStore) Save(_ context.Context, workflowID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(snapshot))
	copy(buf, snapshot)
	s.snapshots[workflowID] = buf
	return nil
}

// Load returns a copy of the stored snapshot, or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, workflowID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(snapshot))
	copy(buf, snapshot)
	return buf, nil
}

// Keys lists all stored workflow ids.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.snapshots))
	for k := range s.snapshots {
		keys = append(keys, k)
	}
	return keys, nil
}
