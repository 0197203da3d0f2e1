package domain

import "time"

// KeyPair holds a Curve25519 key pair, both halves base64 encoded.
// The private key never leaves the local device: it lives in the KeyStore
// and in the active CryptoEngine, nowhere else.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// StoredIdentityKeys is the locally persisted key material for one identity
// on one device. One record per (userId, device); updated on rotation,
// deleted on logout.
type StoredIdentityKeys struct {
	UserID     string    `json:"user_id" db:"user_id"`
	PublicKey  string    `json:"public_key" db:"public_key"`
	PrivateKey string    `json:"private_key" db:"private_key"`
	DeviceID   string    `json:"device_id" db:"device_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastUsed   time.Time `json:"last_used" db:"last_used"`
	PreKeys    []string  `json:"pre_keys" db:"pre_keys"`
}

// DeviceEntry is one device's public key inside a DirectoryEntry
type DeviceEntry struct {
	PublicKey   string    `json:"public_key"`
	LastUpdated time.Time `json:"last_updated"`
}

// DirectoryEntry is the shared, per-user record peers resolve to discover
// each other's encryption keys. Merge-written whenever a device registers;
// never destructively overwritten by another user's writes.
type DirectoryEntry struct {
	UserID    string                 `json:"user_id"`
	PublicKey string                 `json:"public_key"`
	PreKeys   []string               `json:"pre_keys"`
	Devices   map[string]DeviceEntry `json:"devices,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// EncryptedBlob is one ciphertext plus the nonce it was sealed under,
// both base64 encoded.
type EncryptedBlob struct {
	Content string `json:"content"`
	Nonce   string `json:"nonce"`
}
