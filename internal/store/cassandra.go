package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"cipherchat/internal/domain"
)

// messagePollInterval paces the change polling behind Subscribe; Cassandra
// has no push channel so live updates are polled
const messagePollInterval = time.Second

// CassandraMessageStore keeps message history in Cassandra, partitioned by
// conversation and clustered by timestamp so a thread reads as one slice.
type CassandraMessageStore struct {
	session *gocql.Session
}

// NewCassandraMessageStore creates a CassandraMessageStore over an existing
// session
func NewCassandraMessageStore(session *gocql.Session) *CassandraMessageStore {
	return &CassandraMessageStore{session: session}
}

// CassandraMessageSchema is the expected table definition, applied by
// migrations outside this package.
const CassandraMessageSchema = `
CREATE TABLE IF NOT EXISTS messages (
	conversation_id text,
	ts              timestamp,
	message_id      text,
	sender_id       text,
	body            text,
	nonce           text,
	sender_body     text,
	sender_nonce    text,
	message_type    text,
	extras          text,
	PRIMARY KEY ((conversation_id), ts, message_id)
) WITH CLUSTERING ORDER BY (ts ASC, message_id ASC)
`

// extras bundles the merge-only fields into one JSON column
type messageExtras struct {
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	ReadBy      []string            `json:"read_by,omitempty"`
	DeliveredTo []string            `json:"delivered_to,omitempty"`
}

func (s *CassandraMessageStore) Append(ctx context.Context, convID string, msg *domain.StoredMessage) error {
	extras, err := encodeExtras(msg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO messages (
			conversation_id, ts, message_id, sender_id, body, nonce,
			sender_body, sender_nonce, message_type, extras
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = s.session.Query(query,
		convID,
		msg.Timestamp,
		msg.ID,
		msg.SenderID,
		msg.Text,
		msg.Nonce,
		msg.SenderText,
		msg.SenderNonce,
		msg.Type,
		extras,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *CassandraMessageStore) Get(ctx context.Context, convID, msgID string) (*domain.StoredMessage, error) {
	query := `
		SELECT conversation_id, ts, message_id, sender_id, body, nonce,
		       sender_body, sender_nonce, message_type, extras
		FROM messages
		WHERE conversation_id = ? AND message_id = ?
		ALLOW FILTERING
	`
	msg, err := scanMessage(s.session.Query(query, convID, msgID).WithContext(ctx))
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *CassandraMessageStore) List(ctx context.Context, convID string, limit int) ([]domain.StoredMessage, error) {
	query := `
		SELECT conversation_id, ts, message_id, sender_id, body, nonce,
		       sender_body, sender_nonce, message_type, extras
		FROM messages
		WHERE conversation_id = ?
	`
	q := s.session.Query(query, convID).WithContext(ctx)
	iter := q.Iter()

	var out []domain.StoredMessage
	for {
		msg, ok := scanMessageIter(iter)
		if !ok {
			break
		}
		out = append(out, *msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	// Clustering order is ascending; keep only the newest tail when limited
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []domain.StoredMessage{}
	}
	return out, nil
}

func (s *CassandraMessageStore) Update(ctx context.Context, convID, msgID string, mutate func(*domain.StoredMessage) error) error {
	msg, err := s.Get(ctx, convID, msgID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	if err := mutate(msg); err != nil {
		return err
	}

	extras, err := encodeExtras(msg)
	if err != nil {
		return err
	}

	query := `
		UPDATE messages
		SET body = ?, nonce = ?, sender_body = ?, sender_nonce = ?,
		    message_type = ?, extras = ?
		WHERE conversation_id = ? AND ts = ? AND message_id = ?
	`
	err = s.session.Query(query,
		msg.Text, msg.Nonce, msg.SenderText, msg.SenderNonce,
		msg.Type, extras,
		convID, msg.Timestamp, msg.ID,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

func (s *CassandraMessageStore) DeleteAll(ctx context.Context, convID string) error {
	// Delete in bounded batches; a years-old thread can hold far more rows
	// than one unlogged batch should carry
	for {
		query := `SELECT ts, message_id FROM messages WHERE conversation_id = ? LIMIT ?`
		iter := s.session.Query(query, convID, DeleteChunkSize).WithContext(ctx).Iter()

		type rowKey struct {
			ts time.Time
			id string
		}
		var keys []rowKey
		var ts time.Time
		var id string
		for iter.Scan(&ts, &id) {
			keys = append(keys, rowKey{ts: ts, id: id})
		}
		if err := iter.Close(); err != nil {
			return fmt.Errorf("failed to list messages for delete: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}

		batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		for _, k := range keys {
			batch.Query(`DELETE FROM messages WHERE conversation_id = ? AND ts = ? AND message_id = ?`,
				convID, k.ts, k.id)
		}
		if err := s.session.ExecuteBatch(batch); err != nil {
			return fmt.Errorf("failed to delete message batch: %w", err)
		}
	}
}

func (s *CassandraMessageStore) Subscribe(ctx context.Context, convID string) (<-chan []domain.StoredMessage, error) {
	initial, err := s.List(ctx, convID, 0)
	if err != nil {
		return nil, err
	}

	ch := make(chan []domain.StoredMessage, 1)
	ch <- initial

	go func() {
		defer close(ch)
		lastLen := len(initial)
		lastTS := latestTimestamp(initial)

		tick := time.NewTicker(messagePollInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				snapshot, err := s.List(ctx, convID, 0)
				if err != nil {
					continue
				}
				ts := latestTimestamp(snapshot)
				if len(snapshot) == lastLen && ts.Equal(lastTS) {
					continue
				}
				lastLen = len(snapshot)
				lastTS = ts

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

func latestTimestamp(msgs []domain.StoredMessage) time.Time {
	var latest time.Time
	for i := range msgs {
		if msgs[i].Timestamp.After(latest) {
			latest = msgs[i].Timestamp
		}
	}
	return latest
}

func encodeExtras(msg *domain.StoredMessage) (string, error) {
	extras := messageExtras{
		Metadata:    msg.Metadata,
		Reactions:   msg.Reactions,
		ReadBy:      msg.ReadBy,
		DeliveredTo: msg.DeliveredTo,
	}
	raw, err := json.Marshal(&extras)
	if err != nil {
		return "", fmt.Errorf("failed to encode message extras: %w", err)
	}
	return string(raw), nil
}

func decodeExtras(raw string, msg *domain.StoredMessage) {
	if raw == "" {
		return
	}
	var extras messageExtras
	if err := json.Unmarshal([]byte(raw), &extras); err != nil {
		return
	}
	msg.Metadata = extras.Metadata
	msg.Reactions = extras.Reactions
	msg.ReadBy = extras.ReadBy
	msg.DeliveredTo = extras.DeliveredTo
}

func scanMessage(q *gocql.Query) (*domain.StoredMessage, error) {
	msg := &domain.StoredMessage{}
	var convID, extras string
	err := q.Scan(
		&convID, &msg.Timestamp, &msg.ID, &msg.SenderID,
		&msg.Text, &msg.Nonce, &msg.SenderText, &msg.SenderNonce,
		&msg.Type, &extras,
	)
	if err != nil {
		return nil, err
	}
	decodeExtras(extras, msg)
	return msg, nil
}

func scanMessageIter(iter *gocql.Iter) (*domain.StoredMessage, bool) {
	msg := &domain.StoredMessage{}
	var convID, extras string
	ok := iter.Scan(
		&convID, &msg.Timestamp, &msg.ID, &msg.SenderID,
		&msg.Text, &msg.Nonce, &msg.SenderText, &msg.SenderNonce,
		&msg.Type, &extras,
	)
	if !ok {
		return nil, false
	}
	decodeExtras(extras, msg)
	return msg, true
}
