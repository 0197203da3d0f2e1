package keystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cipherchat/internal/domain"
	apperrors "cipherchat/pkg/errors"
)

// SQLiteStore persists key material in a single local database file,
// one row per identity. Writes are last-write-wins on the userId record.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS identity_keys (
	user_id     TEXT PRIMARY KEY,
	public_key  TEXT NOT NULL,
	private_key TEXT NOT NULL,
	device_id   TEXT NOT NULL DEFAULT '',
	pre_keys    TEXT NOT NULL DEFAULT '[]',
	created_at  TIMESTAMP NOT NULL,
	last_used   TIMESTAMP NOT NULL
);
`

// OpenSQLite opens (creating if needed) the key database at path.
// Use ":memory:" for throwaway stores.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, apperrors.StorageUnavailableError(err)
	}
	// A local key store has no concurrent writers; one connection avoids
	// SQLITE_BUSY on overlapping calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.StorageUnavailableError(err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetKeyPair returns the stored pair for userID, or nil when absent
func (s *SQLiteStore) GetKeyPair(ctx context.Context, userID string) (*domain.KeyPair, error) {
	var kp domain.KeyPair
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key, private_key FROM identity_keys WHERE user_id = ?`, userID,
	).Scan(&kp.PublicKey, &kp.PrivateKey)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.StorageUnavailableError(err)
	}

	// Touch lastUsed; failure to stamp is not worth failing the read
	_, _ = s.db.ExecContext(ctx,
		`UPDATE identity_keys SET last_used = ? WHERE user_id = ?`, time.Now().UTC(), userID)

	return &kp, nil
}

// StoreKeyPair upserts the pair, stamping createdAt/lastUsed
func (s *SQLiteStore) StoreKeyPair(ctx context.Context, userID string, kp domain.KeyPair, deviceID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_keys (user_id, public_key, private_key, device_id, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			public_key = excluded.public_key,
			private_key = excluded.private_key,
			device_id = excluded.device_id,
			last_used = excluded.last_used
	`, userID, kp.PublicKey, kp.PrivateKey, deviceID, now, now)

	if err != nil {
		return apperrors.StorageUnavailableError(err)
	}
	return nil
}

// StorePreKeys replaces the stored prekey list for userID
func (s *SQLiteStore) StorePreKeys(ctx context.Context, userID string, preKeys []string) error {
	encoded, err := json.Marshal(preKeys)
	if err != nil {
		return apperrors.StorageUnavailableError(err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE identity_keys SET pre_keys = ? WHERE user_id = ?`, string(encoded), userID)
	if err != nil {
		return apperrors.StorageUnavailableError(err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.StorageUnavailableError(errors.New("no identity record for user; store key pair first"))
	}
	return nil
}

// GetPreKeys returns the stored prekey list, empty when absent
func (s *SQLiteStore) GetPreKeys(ctx context.Context, userID string) ([]string, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT pre_keys FROM identity_keys WHERE user_id = ?`, userID,
	).Scan(&encoded)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.StorageUnavailableError(err)
	}

	var preKeys []string
	if err := json.Unmarshal([]byte(encoded), &preKeys); err != nil {
		return nil, apperrors.StorageUnavailableError(err)
	}
	return preKeys, nil
}

// DeleteKeys removes all key material for userID
func (s *SQLiteStore) DeleteKeys(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_keys WHERE user_id = ?`, userID); err != nil {
		return apperrors.StorageUnavailableError(err)
	}
	return nil
}

// HasKeys reports whether a key pair exists for userID
func (s *SQLiteStore) HasKeys(ctx context.Context, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identity_keys WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return false, apperrors.StorageUnavailableError(err)
	}
	return count > 0, nil
}
