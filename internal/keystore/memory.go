package keystore

import (
	"context"
	"sync"

	"cipherchat/internal/domain"
)

// MemoryStore is an in-process Store for tests and short-lived identities
type MemoryStore struct {
	mu      sync.RWMutex
	pairs   map[string]domain.KeyPair
	preKeys map[string][]string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pairs:   make(map[string]domain.KeyPair),
		preKeys: make(map[string][]string),
	}
}

func (s *MemoryStore) GetKeyPair(_ context.Context, userID string) (*domain.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.pairs[userID]
	if !ok {
		return nil, nil
	}
	out := kp
	return &out, nil
}

func (s *MemoryStore) StoreKeyPair(_ context.Context, userID string, kp domain.KeyPair, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[userID] = kp
	return nil
}

func (s *MemoryStore) StorePreKeys(_ context.Context, userID string, preKeys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preKeys[userID] = append([]string(nil), preKeys...)
	return nil
}

func (s *MemoryStore) GetPreKeys(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.preKeys[userID]...), nil
}

func (s *MemoryStore) DeleteKeys(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairs, userID)
	delete(s.preKeys, userID)
	return nil
}

func (s *MemoryStore) HasKeys(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pairs[userID]
	return ok, nil
}
