package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/domain"
	apperrors "cipherchat/pkg/errors"
)

func newActiveEngine(t *testing.T) (*Engine, domain.KeyPair) {
	t.Helper()
	e := NewEngine()
	kp, err := e.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, e.SetActiveKeyPair(kp))
	return e, kp
}

func TestGenerateKeyPair(t *testing.T) {
	e := NewEngine()
	kp, err := e.GenerateKeyPair()
	require.NoError(t, err)

	pub, err := base64.StdEncoding.DecodeString(kp.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, KeySize)

	priv, err := base64.StdEncoding.DecodeString(kp.PrivateKey)
	require.NoError(t, err)
	assert.Len(t, priv, KeySize)

	kp2, err := e.GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.PublicKey, kp2.PublicKey)
}

func TestSetActiveKeyPairValidation(t *testing.T) {
	e := NewEngine()

	err := e.SetActiveKeyPair(domain.KeyPair{PublicKey: "", PrivateKey: ""})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKeyMaterial))

	err = e.SetActiveKeyPair(domain.KeyPair{PublicKey: "not-base64!!", PrivateKey: "also-bad"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKeyMaterial))

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	err = e.SetActiveKeyPair(domain.KeyPair{PublicKey: short, PrivateKey: short})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidKeyMaterial))
}

func TestEncryptRequiresActiveKeyPair(t *testing.T) {
	e := NewEngine()
	peer, err := e.GenerateKeyPair()
	require.NoError(t, err)

	_, err = e.EncryptText("hello", peer.PublicKey)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoActiveKeyPair))
}

func TestTextRoundTrip(t *testing.T) {
	sender, senderKP := newActiveEngine(t)
	recipient, recipientKP := newActiveEngine(t)

	blob, err := sender.EncryptText("hello world", recipientKP.PublicKey)
	require.NoError(t, err)
	assert.NotEmpty(t, blob.Content)
	assert.NotEmpty(t, blob.Nonce)

	plain, ok := recipient.DecryptText(blob, senderKP.PublicKey)
	require.True(t, ok)
	assert.Equal(t, "hello world", plain)
}

func TestDecryptWrongKeyReturnsFalse(t *testing.T) {
	sender, senderKP := newActiveEngine(t)
	recipient, recipientKP := newActiveEngine(t)
	eavesdropper, _ := newActiveEngine(t)

	blob, err := sender.EncryptText("secret", recipientKP.PublicKey)
	require.NoError(t, err)

	// Wrong private key: not the intended recipient
	_, ok := eavesdropper.DecryptText(blob, senderKP.PublicKey)
	assert.False(t, ok)

	// Wrong sender public key on the right recipient
	other, err := recipient.GenerateKeyPair()
	require.NoError(t, err)
	_, ok = recipient.DecryptText(blob, other.PublicKey)
	assert.False(t, ok)

	// Garbage inputs never panic
	_, ok = recipient.DecryptText(domain.EncryptedBlob{Content: "!!", Nonce: "??"}, senderKP.PublicKey)
	assert.False(t, ok)
	_, ok = recipient.DecryptText(domain.EncryptedBlob{}, "")
	assert.False(t, ok)
}

func TestNonceUniqueness(t *testing.T) {
	sender, _ := newActiveEngine(t)
	_, recipientKP := newActiveEngine(t)

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		blob, err := sender.EncryptText("same plaintext", recipientKP.PublicKey)
		require.NoError(t, err)
		_, dup := seen[blob.Nonce]
		require.False(t, dup, "nonce repeated after %d encryptions", i)
		seen[blob.Nonce] = struct{}{}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	sender, senderKP := newActiveEngine(t)
	recipient, recipientKP := newActiveEngine(t)

	payload := bytes.Repeat([]byte{0x00, 0xff, 0x42}, 1024)
	blob, err := sender.EncryptBinary(payload, recipientKP.PublicKey)
	require.NoError(t, err)

	got, ok := recipient.DecryptBinary(blob, senderKP.PublicKey)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestSelfCopyRoundTrip(t *testing.T) {
	e, _ := newActiveEngine(t)

	blob, err := e.EncryptSelf("note to self")
	require.NoError(t, err)

	plain, ok := e.DecryptSelf(blob)
	require.True(t, ok)
	assert.Equal(t, "note to self", plain)

	// A different identity cannot open the self-copy
	other, _ := newActiveEngine(t)
	_, ok = other.DecryptSelf(blob)
	assert.False(t, ok)
}

func TestSignVerify(t *testing.T) {
	e, _ := newActiveEngine(t)

	msg := []byte("membership change: alice added bob")
	sig, err := e.Sign(msg)
	require.NoError(t, err)

	pub, err := e.SigningPublicKey()
	require.NoError(t, err)

	assert.True(t, Verify(msg, sig, pub))
	assert.False(t, Verify([]byte("tampered"), sig, pub))

	other, _ := newActiveEngine(t)
	otherPub, err := other.SigningPublicKey()
	require.NoError(t, err)
	assert.False(t, Verify(msg, sig, otherPub))
}

func TestGeneratePreKeys(t *testing.T) {
	e := NewEngine()
	preKeys, err := e.GeneratePreKeys(10)
	require.NoError(t, err)
	require.Len(t, preKeys, 10)

	seen := make(map[string]struct{})
	for _, pk := range preKeys {
		raw, err := base64.StdEncoding.DecodeString(pk)
		require.NoError(t, err)
		assert.Len(t, raw, KeySize)
		seen[pk] = struct{}{}
	}
	assert.Len(t, seen, 10)
}
