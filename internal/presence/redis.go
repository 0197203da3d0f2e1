package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps presence in Redis with TTL-based expiry. One key per
// online user, one key per (conversation, user) typing flag; expiry does
// the cleanup so crashed clients simply fade out.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore over an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func onlineKey(userID string) string {
	return fmt.Sprintf("presence:online:%s", userID)
}

func typingKey(convID, userID string) string {
	return fmt.Sprintf("presence:typing:%s:%s", convID, userID)
}

func (r *RedisStore) SetOnline(ctx context.Context, userID string) error {
	if err := r.client.Set(ctx, onlineKey(userID), "1", OnlineTTL).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	return nil
}

func (r *RedisStore) SetOffline(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, onlineKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to set user offline: %w", err)
	}
	return nil
}

func (r *RedisStore) Heartbeat(ctx context.Context, userID string) error {
	// SET instead of EXPIRE so a heartbeat also revives a user whose key
	// already lapsed
	return r.SetOnline(ctx, userID)
}

func (r *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) OnlineMembers(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = onlineKey(id)
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check presence batch: %w", err)
	}

	var online []string
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

func (r *RedisStore) SetTyping(ctx context.Context, convID, userID string, typing bool) error {
	key := typingKey(convID, userID)
	if !typing {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear typing flag: %w", err)
		}
		return nil
	}
	if err := r.client.Set(ctx, key, "1", TypingTTL).Err(); err != nil {
		return fmt.Errorf("failed to set typing flag: %w", err)
	}
	return nil
}

func (r *RedisStore) TypingUsers(ctx context.Context, convID string) ([]string, error) {
	pattern := fmt.Sprintf("presence:typing:%s:*", convID)
	prefix := fmt.Sprintf("presence:typing:%s:", convID)

	var users []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan typing flags: %w", err)
	}
	return users, nil
}
