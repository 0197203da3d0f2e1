package media

import (
	"context"
	"fmt"
	"sync"
)

// BlobStore is the object-storage surface beneath the media service.
// Put stores bytes at key and returns a fetchable URL; Get and Delete
// address objects by that URL.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// MemoryBlobStore keeps blobs in a map. Tests only.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty MemoryBlobStore
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url := "mem://" + key
	s.mu.Lock()
	s.blobs[url] = append([]byte(nil), data...)
	s.mu.Unlock()
	return url, nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, url string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[url]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", url)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	delete(s.blobs, url)
	s.mu.Unlock()
	return nil
}
