package keydirectory

import (
	"context"

	"cipherchat/internal/domain"
)

// Store is the shared directory where users publish public keys and prekey
// bundles for peers to discover.
//
// Get returns (nil, nil) for a user who never published keys; transport
// failures return an error. The distinction matters: absence means "send
// unencrypted with a warning", failure means "retry or surface".
//
// Merge upserts the caller's own entry: top-level publicKey/preKeys are
// replaced, the devices map is merged per device ID. Entries are only ever
// written by their owning user, so merge semantics never cross identities.
type Store interface {
	Get(ctx context.Context, userID string) (*domain.DirectoryEntry, error)
	Merge(ctx context.Context, entry *domain.DirectoryEntry) error

	// RemoveDevice drops one device from a user's entry; a no-op when
	// either the entry or the device is absent
	RemoveDevice(ctx context.Context, userID, deviceID string) error
}
