// Package store defines the persistence contracts for conversations and
// messages. Conversations live in a relational store, message history in a
// wide-column store; both have in-memory implementations for tests and
// single-node deployments.
package store

import (
	"context"

	"cipherchat/internal/domain"
)

// DeleteChunkSize caps how many messages one delete batch may touch.
// Matches the backend's per-batch write limit minus one for safety.
const DeleteChunkSize = 499

// ConversationStore persists conversation records.
//
// Get returns (nil, nil) when the conversation does not exist; errors are
// reserved for transport and storage failures.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error)

	// Save upserts the full record
	Save(ctx context.Context, conv *domain.Conversation) error

	// Update applies a read-modify-write. The callback sees the current
	// record and mutates it in place; implementations persist the result
	// atomically with respect to other Updates on the same id.
	Update(ctx context.Context, id string, mutate func(*domain.Conversation) error) error

	Delete(ctx context.Context, id string) error

	// SubscribeForUser emits the user's full conversation list on every
	// change until ctx is cancelled. The first emission is the current
	// state.
	SubscribeForUser(ctx context.Context, userID string) (<-chan []domain.Conversation, error)
}

// MessageStore persists per-conversation message history.
type MessageStore interface {
	Append(ctx context.Context, convID string, msg *domain.StoredMessage) error
	Get(ctx context.Context, convID, msgID string) (*domain.StoredMessage, error)

	// List returns up to limit messages ordered by timestamp ascending;
	// limit <= 0 means no limit
	List(ctx context.Context, convID string, limit int) ([]domain.StoredMessage, error)

	// Update applies a read-modify-write to one message
	Update(ctx context.Context, convID, msgID string, mutate func(*domain.StoredMessage) error) error

	// DeleteAll removes the whole history in chunks of at most
	// DeleteChunkSize so a huge conversation cannot blow a single batch
	DeleteAll(ctx context.Context, convID string) error

	// Subscribe emits the conversation's full message snapshot on every
	// change until ctx is cancelled. The first emission is the current
	// state.
	Subscribe(ctx context.Context, convID string) (<-chan []domain.StoredMessage, error)
}
