package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cipherchat/internal/domain"
)

// conversationPollInterval paces the change polling behind SubscribeForUser
const conversationPollInterval = time.Second

// CockroachConversationStore keeps conversation records in CockroachDB.
// Membership is a jsonb array so list-by-member works with a containment
// query; nested metadata rides in jsonb columns.
type CockroachConversationStore struct {
	pool *pgxpool.Pool
}

// NewCockroachConversationStore creates a store over an existing pool
func NewCockroachConversationStore(pool *pgxpool.Pool) *CockroachConversationStore {
	return &CockroachConversationStore{pool: pool}
}

// CockroachConversationSchema is the expected table definition, applied by
// migrations outside this package.
const CockroachConversationSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id STRING PRIMARY KEY,
	conv_type       STRING NOT NULL,
	members         JSONB NOT NULL,
	last_message    JSONB,
	group_info      JSONB,
	deleted_by      JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INVERTED INDEX IF NOT EXISTS conversations_members_idx ON conversations (members)
`

const conversationColumns = `
	conversation_id, conv_type, members, last_message, group_info,
	deleted_by, created_at, updated_at
`

func (s *CockroachConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE conversation_id = $1`

	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *CockroachConversationStore) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE members @> $1
		ORDER BY updated_at DESC
	`
	member, err := json.Marshal([]string{userID})
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, member)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	return out, nil
}

func (s *CockroachConversationStore) Save(ctx context.Context, conv *domain.Conversation) error {
	members, lastMessage, groupInfo, deletedBy, err := encodeConversation(conv)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id) DO UPDATE SET
			conv_type = excluded.conv_type,
			members = excluded.members,
			last_message = excluded.last_message,
			group_info = excluded.group_info,
			deleted_by = excluded.deleted_by,
			updated_at = excluded.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		conv.ID, conv.Type, members, lastMessage, groupInfo, deletedBy,
		conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *CockroachConversationStore) Update(ctx context.Context, id string, mutate func(*domain.Conversation) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE conversation_id = $1 FOR UPDATE`
	conv, err := scanConversation(tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}

	if err := mutate(conv); err != nil {
		return err
	}

	members, lastMessage, groupInfo, deletedBy, err := encodeConversation(conv)
	if err != nil {
		return err
	}

	update := `
		UPDATE conversations
		SET conv_type = $2, members = $3, last_message = $4,
		    group_info = $5, deleted_by = $6, updated_at = $7
		WHERE conversation_id = $1
	`
	_, err = tx.Exec(ctx, update,
		id, conv.Type, members, lastMessage, groupInfo, deletedBy, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit conversation update: %w", err)
	}
	return nil
}

func (s *CockroachConversationStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE conversation_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func (s *CockroachConversationStore) SubscribeForUser(ctx context.Context, userID string) (<-chan []domain.Conversation, error) {
	initial, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	ch := make(chan []domain.Conversation, 1)
	ch <- initial

	go func() {
		defer close(ch)
		lastLen := len(initial)
		lastUpdated := latestConvUpdate(initial)

		tick := time.NewTicker(conversationPollInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				snapshot, err := s.ListForUser(ctx, userID)
				if err != nil {
					continue
				}
				updated := latestConvUpdate(snapshot)
				if len(snapshot) == lastLen && updated.Equal(lastUpdated) {
					continue
				}
				lastLen = len(snapshot)
				lastUpdated = updated

				select {
				case ch <- snapshot:
				default:
					select {
					case <-ch:
					default:
					}
					select {
					case ch <- snapshot:
					default:
					}
				}
			}
		}
	}()

	return ch, nil
}

func latestConvUpdate(convs []domain.Conversation) time.Time {
	var latest time.Time
	for i := range convs {
		if convs[i].UpdatedAt.After(latest) {
			latest = convs[i].UpdatedAt
		}
	}
	return latest
}

func encodeConversation(conv *domain.Conversation) (members, lastMessage, groupInfo, deletedBy []byte, err error) {
	members, err = json.Marshal(conv.Members)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to encode members: %w", err)
	}
	if conv.LastMessage != nil {
		lastMessage, err = json.Marshal(conv.LastMessage)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode last message: %w", err)
		}
	}
	if conv.GroupInfo != nil {
		groupInfo, err = json.Marshal(conv.GroupInfo)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode group info: %w", err)
		}
	}
	if conv.DeletedBy != nil {
		deletedBy, err = json.Marshal(conv.DeletedBy)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode deleted_by: %w", err)
		}
	}
	return members, lastMessage, groupInfo, deletedBy, nil
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	var members, lastMessage, groupInfo, deletedBy []byte

	err := row.Scan(
		&conv.ID, &conv.Type, &members, &lastMessage, &groupInfo,
		&deletedBy, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(members, &conv.Members); err != nil {
		return nil, fmt.Errorf("corrupted members for %s: %w", conv.ID, err)
	}
	if len(lastMessage) > 0 {
		conv.LastMessage = &domain.MessagePreview{}
		if err := json.Unmarshal(lastMessage, conv.LastMessage); err != nil {
			return nil, fmt.Errorf("corrupted last message for %s: %w", conv.ID, err)
		}
	}
	if len(groupInfo) > 0 {
		conv.GroupInfo = &domain.GroupInfo{}
		if err := json.Unmarshal(groupInfo, conv.GroupInfo); err != nil {
			return nil, fmt.Errorf("corrupted group info for %s: %w", conv.ID, err)
		}
	}
	if len(deletedBy) > 0 {
		if err := json.Unmarshal(deletedBy, &conv.DeletedBy); err != nil {
			return nil, fmt.Errorf("corrupted deleted_by for %s: %w", conv.ID, err)
		}
	}
	return conv, nil
}
