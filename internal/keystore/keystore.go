package keystore

import (
	"context"

	"cipherchat/internal/domain"
)

// Store is durable per-device persistence of the local identity's key
// material, isolated per userId. Implementations must survive process
// restarts (the SQLite store) or declare themselves test-only (Memory).
//
// Absence is not an error: GetKeyPair returns (nil, nil) when no record
// exists. Storage-layer failures surface with code STORAGE_UNAVAILABLE;
// callers treat that as fatal for encryption but non-fatal for the app.
type Store interface {
	// GetKeyPair returns the stored pair for userID, or nil when absent
	GetKeyPair(ctx context.Context, userID string) (*domain.KeyPair, error)

	// StoreKeyPair upserts the pair, stamping createdAt/lastUsed
	StoreKeyPair(ctx context.Context, userID string, kp domain.KeyPair, deviceID string) error

	// StorePreKeys replaces the stored prekey list for userID
	StorePreKeys(ctx context.Context, userID string, preKeys []string) error

	// GetPreKeys returns the stored prekey list, empty when absent
	GetPreKeys(ctx context.Context, userID string) ([]string, error)

	// DeleteKeys removes all key material for userID (logout/reset)
	DeleteKeys(ctx context.Context, userID string) error

	// HasKeys reports whether a key pair exists for userID
	HasKeys(ctx context.Context, userID string) (bool, error)
}
