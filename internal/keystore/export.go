package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"

	"cipherchat/internal/domain"
	apperrors "cipherchat/pkg/errors"
)

// Passphrase-wrapped key backup. Best-effort device migration, not a
// hardened vault: 4096 PBKDF2 iterations keep export usable on low-end
// devices at the cost of brute-force margin.
const (
	exportSaltSize  = 16
	exportNonceSize = 24
	exportKDFRounds = 4096
	exportKeySize   = 32
)

type exportPayload struct {
	KeyPair domain.KeyPair `json:"key_pair"`
	PreKeys []string       `json:"pre_keys,omitempty"`
}

// ExportKeys wraps userID's key material under passphrase. The blob layout
// is salt || nonce || secretbox(json payload).
func ExportKeys(ctx context.Context, s Store, userID, passphrase string) ([]byte, error) {
	kp, err := s.GetKeyPair(ctx, userID)
	if err != nil {
		return nil, err
	}
	if kp == nil {
		return nil, apperrors.StorageUnavailableError(errors.New("no keys stored for user"))
	}

	preKeys, err := s.GetPreKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(exportPayload{KeyPair: *kp, PreKeys: preKeys})
	if err != nil {
		return nil, apperrors.StorageError(err)
	}

	salt := make([]byte, exportSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, apperrors.StorageError(err)
	}

	var nonce [exportNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, apperrors.StorageError(err)
	}

	key := wrapKey(passphrase, salt)
	sealed := secretbox.Seal(nil, payload, &nonce, key)

	blob := make([]byte, 0, exportSaltSize+exportNonceSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce[:]...)
	blob = append(blob, sealed...)
	return blob, nil
}

// ImportKeys unwraps a blob produced by ExportKeys and stores the material
// under userID. A wrong passphrase fails with INVALID_KEY_MATERIAL.
func ImportKeys(ctx context.Context, s Store, userID string, blob []byte, passphrase string) error {
	if len(blob) < exportSaltSize+exportNonceSize+secretbox.Overhead {
		return apperrors.InvalidKeyMaterialError("backup blob truncated")
	}

	salt := blob[:exportSaltSize]
	var nonce [exportNonceSize]byte
	copy(nonce[:], blob[exportSaltSize:exportSaltSize+exportNonceSize])
	sealed := blob[exportSaltSize+exportNonceSize:]

	key := wrapKey(passphrase, salt)
	payload, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return apperrors.InvalidKeyMaterialError("wrong passphrase or corrupted backup")
	}

	var decoded exportPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return apperrors.InvalidKeyMaterialError("corrupted backup payload")
	}

	if err := s.StoreKeyPair(ctx, userID, decoded.KeyPair, ""); err != nil {
		return err
	}
	if len(decoded.PreKeys) > 0 {
		if err := s.StorePreKeys(ctx, userID, decoded.PreKeys); err != nil {
			return err
		}
	}
	return nil
}

func wrapKey(passphrase string, salt []byte) *[exportKeySize]byte {
	derived := pbkdf2.Key([]byte(passphrase), salt, exportKDFRounds, exportKeySize, sha256.New)
	var key [exportKeySize]byte
	copy(key[:], derived)
	return &key
}
