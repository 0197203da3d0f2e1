package keydirectory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cipherchat/internal/domain"
)

// RedisStore keeps directory entries as JSON values keyed per user.
// Entries never expire: a published key stays resolvable until rotated.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore over an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func directoryKey(userID string) string {
	return fmt.Sprintf("directory:keys:%s", userID)
}

func (r *RedisStore) Get(ctx context.Context, userID string) (*domain.DirectoryEntry, error) {
	raw, err := r.client.Get(ctx, directoryKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get directory entry: %w", err)
	}

	var entry domain.DirectoryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("corrupted directory entry for %s: %w", userID, err)
	}
	return &entry, nil
}

func (r *RedisStore) Merge(ctx context.Context, entry *domain.DirectoryEntry) error {
	key := directoryKey(entry.UserID)

	// Read-merge-write under WATCH so concurrent device registrations for
	// the same user don't drop each other's device entries.
	txn := func(tx *redis.Tx) error {
		merged := *entry
		raw, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		if err == nil {
			var existing domain.DirectoryEntry
			if jsonErr := json.Unmarshal([]byte(raw), &existing); jsonErr == nil {
				merged.CreatedAt = existing.CreatedAt
				if merged.Devices == nil {
					merged.Devices = make(map[string]domain.DeviceEntry)
				}
				for id, d := range existing.Devices {
					if _, ok := merged.Devices[id]; !ok {
						merged.Devices[id] = d
					}
				}
			}
		}
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = time.Now().UTC()
		}

		encoded, err := json.Marshal(&merged)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err != redis.TxFailedErr {
			return fmt.Errorf("failed to merge directory entry: %w", err)
		}
	}
	return fmt.Errorf("failed to merge directory entry after contention retries")
}

func (r *RedisStore) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	entry, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	delete(entry.Devices, deviceID)
	entry.UpdatedAt = time.Now().UTC()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode directory entry: %w", err)
	}
	if err := r.client.Set(ctx, directoryKey(userID), encoded, 0).Err(); err != nil {
		return fmt.Errorf("failed to update directory entry: %w", err)
	}
	return nil
}
