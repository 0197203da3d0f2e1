package keydirectory

import (
	"context"
	"sync"
	"time"

	"cipherchat/internal/domain"
)

// MemoryStore is an in-process directory for tests and single-node setups
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*domain.DirectoryEntry
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*domain.DirectoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*domain.DirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	if !ok {
		return nil, nil
	}
	return copyEntry(entry), nil
}

func (s *MemoryStore) Merge(_ context.Context, entry *domain.DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[entry.UserID]
	if !ok {
		stored := copyEntry(entry)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		s.entries[entry.UserID] = stored
		return nil
	}

	existing.PublicKey = entry.PublicKey
	existing.PreKeys = append([]string(nil), entry.PreKeys...)
	existing.UpdatedAt = entry.UpdatedAt
	if existing.Devices == nil {
		existing.Devices = make(map[string]domain.DeviceEntry)
	}
	for id, d := range entry.Devices {
		existing.Devices[id] = d
	}
	return nil
}

func (s *MemoryStore) RemoveDevice(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[userID]; ok {
		delete(entry.Devices, deviceID)
		entry.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func copyEntry(entry *domain.DirectoryEntry) *domain.DirectoryEntry {
	out := *entry
	out.PreKeys = append([]string(nil), entry.PreKeys...)
	out.Devices = make(map[string]domain.DeviceEntry, len(entry.Devices))
	for id, d := range entry.Devices {
		out.Devices[id] = d
	}
	return &out
}
