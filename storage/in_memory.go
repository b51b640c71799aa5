package storage

import (
	"context"
	"sync"
)

// InMemory is a trivial in‑process Storage implementation useful for tests,
// examples and single‑process prototypes. It keeps all entries in a map
// guarded by an RWMutex. Data is copied on put / get to avoid accidental
// external mutation of internal buffers.
//
// This implementation is intentionally minimal; state does not survive a
// process restart. For production, prefer the sqlite or redis adapters, or a
// platform key/value store wrapped in the same contract.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewInMemory returns an empty in‑memory store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string][]byte)}
}

// Put stores (or overwrites) the bytes for the given key. The input slice is
// copied before storage.
func (s *InMemory) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[key] = cp
	return nil
}

// Get returns a copy of the stored bytes, or nil if the key is absent.
func (s *InMemory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

// Delete removes the key if present. Deleting an absent key is a no-op.
func (s *InMemory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the number of stored keys.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
