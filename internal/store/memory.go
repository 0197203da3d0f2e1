package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"cipherchat/internal/domain"
)

// MemoryConversationStore is the in-memory ConversationStore. Used by tests
// and single-node deployments; also the reference for subscription
// semantics.
type MemoryConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation
	subs  map[int]*convSub
	next  int
}

type convSub struct {
	userID string
	ch     chan []domain.Conversation
}

// NewMemoryConversationStore creates an empty MemoryConversationStore
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		convs: make(map[string]*domain.Conversation),
		subs:  make(map[int]*convSub),
	}
}

func (s *MemoryConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	return copyConversation(conv), nil
}

func (s *MemoryConversationStore) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listForUserLocked(userID), nil
}

func (s *MemoryConversationStore) Save(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	s.convs[conv.ID] = copyConversation(conv)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemoryConversationStore) Update(ctx context.Context, id string, mutate func(*domain.Conversation) error) error {
	s.mu.Lock()
	conv, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	working := copyConversation(conv)
	if err := mutate(working); err != nil {
		s.mu.Unlock()
		return err
	}
	s.convs[id] = working
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemoryConversationStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemoryConversationStore) SubscribeForUser(ctx context.Context, userID string) (<-chan []domain.Conversation, error) {
	s.mu.Lock()
	id := s.next
	s.next++
	sub := &convSub{userID: userID, ch: make(chan []domain.Conversation, 1)}
	s.subs[id] = sub
	sub.ch <- s.listForUserLocked(userID)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// notify pushes fresh snapshots to every subscriber, replacing any unread
// one so slow consumers only ever see the latest state
func (s *MemoryConversationStore) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		snapshot := s.listForUserLocked(sub.userID)
		select {
		case sub.ch <- snapshot:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snapshot:
			default:
			}
		}
	}
}

func (s *MemoryConversationStore) listForUserLocked(userID string) []domain.Conversation {
	out := make([]domain.Conversation, 0)
	for _, conv := range s.convs {
		if conv.HasMember(userID) {
			out = append(out, *copyConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// MemoryMessageStore is the in-memory MessageStore
type MemoryMessageStore struct {
	mu   sync.RWMutex
	msgs map[string][]*domain.StoredMessage
	subs map[int]*msgSub
	next int
}

type msgSub struct {
	convID string
	ch     chan []domain.StoredMessage
}

// NewMemoryMessageStore creates an empty MemoryMessageStore
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		msgs: make(map[string][]*domain.StoredMessage),
		subs: make(map[int]*msgSub),
	}
}

func (s *MemoryMessageStore) Append(ctx context.Context, convID string, msg *domain.StoredMessage) error {
	s.mu.Lock()
	s.msgs[convID] = append(s.msgs[convID], copyMessage(msg))
	s.mu.Unlock()
	s.notify(convID)
	return nil
}

func (s *MemoryMessageStore) Get(ctx context.Context, convID, msgID string) (*domain.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.msgs[convID] {
		if m.ID == msgID {
			return copyMessage(m), nil
		}
	}
	return nil, nil
}

func (s *MemoryMessageStore) List(ctx context.Context, convID string, limit int) ([]domain.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snapshotLocked(convID)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryMessageStore) Update(ctx context.Context, convID, msgID string, mutate func(*domain.StoredMessage) error) error {
	s.mu.Lock()
	for i, m := range s.msgs[convID] {
		if m.ID != msgID {
			continue
		}
		working := copyMessage(m)
		if err := mutate(working); err != nil {
			s.mu.Unlock()
			return err
		}
		s.msgs[convID][i] = working
		s.mu.Unlock()
		s.notify(convID)
		return nil
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryMessageStore) DeleteAll(ctx context.Context, convID string) error {
	for {
		s.mu.Lock()
		remaining := s.msgs[convID]
		if len(remaining) == 0 {
			delete(s.msgs, convID)
			s.mu.Unlock()
			s.notify(convID)
			return nil
		}
		n := len(remaining)
		if n > DeleteChunkSize {
			n = DeleteChunkSize
		}
		s.msgs[convID] = remaining[n:]
		s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *MemoryMessageStore) Subscribe(ctx context.Context, convID string) (<-chan []domain.StoredMessage, error) {
	s.mu.Lock()
	id := s.next
	s.next++
	sub := &msgSub{convID: convID, ch: make(chan []domain.StoredMessage, 1)}
	s.subs[id] = sub
	sub.ch <- s.snapshotLocked(convID)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

func (s *MemoryMessageStore) notify(convID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.convID != convID {
			continue
		}
		snapshot := s.snapshotLocked(convID)
		select {
		case sub.ch <- snapshot:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snapshot:
			default:
			}
		}
	}
}

func (s *MemoryMessageStore) snapshotLocked(convID string) []domain.StoredMessage {
	src := s.msgs[convID]
	out := make([]domain.StoredMessage, 0, len(src))
	for _, m := range src {
		out = append(out, *copyMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func copyConversation(c *domain.Conversation) *domain.Conversation {
	out := *c
	out.Members = append([]string(nil), c.Members...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.GroupInfo != nil {
		gi := *c.GroupInfo
		gi.Admins = append([]string(nil), c.GroupInfo.Admins...)
		out.GroupInfo = &gi
	}
	if c.DeletedBy != nil {
		out.DeletedBy = make(map[string]time.Time, len(c.DeletedBy))
		for k, v := range c.DeletedBy {
			out.DeletedBy[k] = v
		}
	}
	return &out
}

func copyMessage(m *domain.StoredMessage) *domain.StoredMessage {
	out := *m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	out.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = append([]string(nil), v...)
		}
	}
	return &out
}
