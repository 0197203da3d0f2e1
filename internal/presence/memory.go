package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process presence backend for tests and single-node
// use. Expiry is checked lazily on read.
type MemoryStore struct {
	mu     sync.Mutex
	online map[string]time.Time            // userID -> expiry
	typing map[string]map[string]time.Time // convID -> userID -> expiry

	// clock is swappable for expiry tests
	clock func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		online: make(map[string]time.Time),
		typing: make(map[string]map[string]time.Time),
		clock:  time.Now,
	}
}

func (s *MemoryStore) SetOnline(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.online[userID] = s.clock().Add(OnlineTTL)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetOffline(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.online, userID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, userID string) error {
	return s.SetOnline(ctx, userID)
}

func (s *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineLocked(userID), nil
}

func (s *MemoryStore) OnlineMembers(ctx context.Context, userIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range userIDs {
		if s.onlineLocked(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetTyping(ctx context.Context, convID, userID string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !typing {
		if flags, ok := s.typing[convID]; ok {
			delete(flags, userID)
		}
		return nil
	}
	if s.typing[convID] == nil {
		s.typing[convID] = make(map[string]time.Time)
	}
	s.typing[convID][userID] = s.clock().Add(TypingTTL)
	return nil
}

func (s *MemoryStore) TypingUsers(ctx context.Context, convID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	var out []string
	for userID, expiry := range s.typing[convID] {
		if expiry.After(now) {
			out = append(out, userID)
		} else {
			delete(s.typing[convID], userID)
		}
	}
	return out, nil
}

func (s *MemoryStore) onlineLocked(userID string) bool {
	expiry, ok := s.online[userID]
	if !ok {
		return false
	}
	if !expiry.After(s.clock()) {
		delete(s.online, userID)
		return false
	}
	return true
}
