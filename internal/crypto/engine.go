package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"cipherchat/internal/domain"
	apperrors "cipherchat/pkg/errors"
)

const (
	// KeySize is the Curve25519 key length
	KeySize = 32
	// NonceSize is the XSalsa20-Poly1305 nonce length
	NonceSize = 24

	selfCopyContext = "cipherchat/self-copy/v1"
	signingContext  = "cipherchat/signing/v1"
)

// Engine wraps the box primitive (Curve25519 + XSalsa20-Poly1305) with
// base64 I/O boundaries. One Engine holds one active identity; construct
// separate engines to run multiple identities side by side.
//
// Decrypt operations report authentication failure as a false ok result,
// never as an error: a wrong-key decrypt attempt is an expected, frequent
// outcome in the dual-copy scheme.
type Engine struct {
	mu       sync.RWMutex
	identity string
	pub      *[KeySize]byte
	priv     *[KeySize]byte
	pubB64   string
}

// NewEngine creates an Engine with no active key pair
func NewEngine() *Engine {
	return &Engine{}
}

// GenerateKeyPair produces a fresh Curve25519 pair from the system CSPRNG
func (e *Engine) GenerateKeyPair() (domain.KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return domain.KeyPair{}, apperrors.Wrap(apperrors.ErrCodeInternal, "key generation failed", err)
	}
	return domain.KeyPair{
		PublicKey:  base64.StdEncoding.EncodeToString(pub[:]),
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
	}, nil
}

// SetActiveKeyPair validates and installs the key pair used by subsequent
// encrypt/decrypt calls
func (e *Engine) SetActiveKeyPair(kp domain.KeyPair) error {
	pub, err := decodeKey(kp.PublicKey)
	if err != nil {
		return apperrors.InvalidKeyMaterialError(fmt.Sprintf("public key: %v", err))
	}
	priv, err := decodeKey(kp.PrivateKey)
	if err != nil {
		return apperrors.InvalidKeyMaterialError(fmt.Sprintf("private key: %v", err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pub = pub
	e.priv = priv
	e.pubB64 = kp.PublicKey
	return nil
}

// SetActiveIdentity records the user the active key pair belongs to
func (e *Engine) SetActiveIdentity(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = userID
}

// ActiveIdentity returns the identity set by SetActiveIdentity
func (e *Engine) ActiveIdentity() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity
}

// ActivePublicKey returns the base64 public key of the active pair, or ""
// when none is set. Used by identity bootstrap to verify its post-condition.
func (e *Engine) ActivePublicKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pubB64
}

// EncryptText seals plaintext for recipientPublicKey under a fresh random
// nonce. Nonces must never repeat for a given pair; 24 random bytes per
// call keeps the collision chance negligible.
func (e *Engine) EncryptText(plaintext string, recipientPublicKey string) (domain.EncryptedBlob, error) {
	return e.seal([]byte(plaintext), recipientPublicKey)
}

// EncryptBinary is EncryptText over raw bytes, for file/voice payloads
func (e *Engine) EncryptBinary(data []byte, recipientPublicKey string) (domain.EncryptedBlob, error) {
	return e.seal(data, recipientPublicKey)
}

func (e *Engine) seal(data []byte, recipientPublicKey string) (domain.EncryptedBlob, error) {
	e.mu.RLock()
	priv := e.priv
	e.mu.RUnlock()

	if priv == nil {
		return domain.EncryptedBlob{}, apperrors.NoActiveKeyPairError()
	}

	peer, err := decodeKey(recipientPublicKey)
	if err != nil {
		return domain.EncryptedBlob{}, apperrors.EncryptionFailedError(err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return domain.EncryptedBlob{}, apperrors.EncryptionFailedError(err)
	}

	sealed := box.Seal(nil, data, &nonce, peer, priv)
	return domain.EncryptedBlob{
		Content: base64.StdEncoding.EncodeToString(sealed),
		Nonce:   base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

// DecryptText opens a ciphertext sealed by senderPublicKey for the active
// pair. The false result covers authentication failure and malformed input
// alike; callers treat it as "cannot decrypt", not as a crash.
func (e *Engine) DecryptText(blob domain.EncryptedBlob, senderPublicKey string) (string, bool) {
	data, ok := e.open(blob, senderPublicKey)
	if !ok {
		return "", false
	}
	return string(data), true
}

// DecryptBinary is DecryptText over raw bytes
func (e *Engine) DecryptBinary(blob domain.EncryptedBlob, senderPublicKey string) ([]byte, bool) {
	return e.open(blob, senderPublicKey)
}

func (e *Engine) open(blob domain.EncryptedBlob, senderPublicKey string) ([]byte, bool) {
	e.mu.RLock()
	priv := e.priv
	e.mu.RUnlock()

	if priv == nil {
		return nil, false
	}

	peer, err := decodeKey(senderPublicKey)
	if err != nil {
		return nil, false
	}

	sealed, err := base64.StdEncoding.DecodeString(blob.Content)
	if err != nil {
		return nil, false
	}

	nonceRaw, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil || len(nonceRaw) != NonceSize {
		return nil, false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], nonceRaw)

	data, ok := box.Open(nil, sealed, &nonce, peer, priv)
	return data, ok
}

// EncryptSelf seals plaintext for the sender's own later retrieval. The box
// primitive cannot encrypt to the caller's own pair, so the self-copy uses
// secretbox under a symmetric key derived from the active private key.
func (e *Engine) EncryptSelf(plaintext string) (domain.EncryptedBlob, error) {
	key, err := e.selfCopyKey()
	if err != nil {
		return domain.EncryptedBlob{}, err
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return domain.EncryptedBlob{}, apperrors.EncryptionFailedError(err)
	}

	sealed := secretbox.Seal(nil, []byte(plaintext), &nonce, key)
	return domain.EncryptedBlob{
		Content: base64.StdEncoding.EncodeToString(sealed),
		Nonce:   base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

// DecryptSelf opens a self-copy produced by EncryptSelf
func (e *Engine) DecryptSelf(blob domain.EncryptedBlob) (string, bool) {
	key, err := e.selfCopyKey()
	if err != nil {
		return "", false
	}

	sealed, err := base64.StdEncoding.DecodeString(blob.Content)
	if err != nil {
		return "", false
	}

	nonceRaw, err := base64.StdEncoding.DecodeString(blob.Nonce)
	if err != nil || len(nonceRaw) != NonceSize {
		return "", false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], nonceRaw)

	data, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return "", false
	}
	return string(data), true
}

// selfCopyKey derives the symmetric self-copy key from the active private
// key via HKDF-SHA256. Only the holder of the private key can derive it.
func (e *Engine) selfCopyKey() (*[KeySize]byte, error) {
	e.mu.RLock()
	priv := e.priv
	e.mu.RUnlock()

	if priv == nil {
		return nil, apperrors.NoActiveKeyPairError()
	}

	h := hkdf.New(sha256.New, priv[:], nil, []byte(selfCopyContext))
	var key [KeySize]byte
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return nil, apperrors.EncryptionFailedError(err)
	}
	return &key, nil
}

// Sign produces a detached Ed25519 signature over message using a signing
// key derived from the active private key. Integrity only; signatures play
// no part in message confidentiality.
func (e *Engine) Sign(message []byte) (string, error) {
	e.mu.RLock()
	priv := e.priv
	e.mu.RUnlock()

	if priv == nil {
		return "", apperrors.NoActiveKeyPairError()
	}

	signPriv, err := deriveSigningKey(priv)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(signPriv, message)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SigningPublicKey returns the base64 Ed25519 public key matching Sign
func (e *Engine) SigningPublicKey() (string, error) {
	e.mu.RLock()
	priv := e.priv
	e.mu.RUnlock()

	if priv == nil {
		return "", apperrors.NoActiveKeyPairError()
	}

	signPriv, err := deriveSigningKey(priv)
	if err != nil {
		return "", err
	}
	pub := signPriv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub), nil
}

// Verify checks a detached signature against the signer's public key
func Verify(message []byte, signature, publicKey string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// GeneratePreKeys produces count one-time key pairs and returns only the
// public halves. The private halves are discarded: prekeys are a placeholder
// for future offline key agreement, and the current scheme assumes
// synchronous exchange.
func (e *Engine) GeneratePreKeys(count int) ([]string, error) {
	preKeys := make([]string, 0, count)
	for i := 0; i < count; i++ {
		pub, _, err := box.GenerateKey(rand.Reader)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "prekey generation failed", err)
		}
		preKeys = append(preKeys, base64.StdEncoding.EncodeToString(pub[:]))
	}
	return preKeys, nil
}

func deriveSigningKey(priv *[KeySize]byte) (ed25519.PrivateKey, error) {
	h := hkdf.New(sha256.New, priv[:], nil, []byte(signingContext))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(h, seed); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "signing key derivation failed", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func decodeKey(b64 string) (*[KeySize]byte, error) {
	if b64 == "" {
		return nil, fmt.Errorf("empty key")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("malformed base64: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("expected %d bytes, got %d", KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
