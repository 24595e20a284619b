package store

import (
	"context"
	"sync"
)

type memDoc struct {
	version int64
	raw     []byte
}

// MemoryStore is an in-process Store with the same compare-and-swap semantics
// as RedisStore. Used by tests and by the example server when no Redis address
// is configured.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]memDoc
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]memDoc)}
}

// Load returns the stored version and raw document for the player.
func (s *MemoryStore) Load(_ context.Context, playerID string) (int64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[playerID]
	if !ok {
		return 0, nil, ErrNotFound
	}
	raw := make([]byte, len(d.raw))
	copy(raw, d.raw)
	return d.version, raw, nil
}

// Save persists raw if version exceeds the stored version.
func (s *MemoryStore) Save(_ context.Context, playerID string, version int64, raw []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[playerID]; ok && version <= d.version {
		return false, nil
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	s.docs[playerID] = memDoc{version: version, raw: cp}
	return true, nil
}

// Delete removes the player's document.
func (s *MemoryStore) Delete(_ context.Context, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, playerID)
	return nil
}
