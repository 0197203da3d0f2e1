package codec

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/crypto"
	"cipherchat/internal/domain"
	"cipherchat/internal/keydirectory"
	"cipherchat/internal/keystore"
)

// party bundles one identity's engine, directory service and codec
type party struct {
	userID string
	engine *crypto.Engine
	dir    *keydirectory.Service
	codec  *Codec
	kp     domain.KeyPair
}

func newParty(t *testing.T, shared keydirectory.Store, userID string) *party {
	t.Helper()
	engine := crypto.NewEngine()
	dir := keydirectory.NewService(engine, keystore.NewMemoryStore(), shared)
	kp, err := dir.InitializeIdentity(context.Background(), userID)
	require.NoError(t, err)
	return &party{
		userID: userID,
		engine: engine,
		dir:    dir,
		codec:  NewCodec(engine, dir),
		kp:     kp,
	}
}

// observer is a party that never published keys (decode-only helper)
func newObserver(t *testing.T, shared keydirectory.Store, userID string) *party {
	t.Helper()
	engine := crypto.NewEngine()
	dir := keydirectory.NewService(engine, keystore.NewMemoryStore(), shared)
	return &party{userID: userID, engine: engine, dir: dir, codec: NewCodec(engine, dir)}
}

func directConv(a, b string) *domain.Conversation {
	return &domain.Conversation{
		ID:      domain.DirectConversationID(a, b),
		Type:    domain.ConversationDirect,
		Members: []string{a, b},
	}
}

func storedFromPatch(patch *domain.MessagePatch, senderID string) *domain.StoredMessage {
	return &domain.StoredMessage{
		ID:          "m1",
		SenderID:    senderID,
		Text:        patch.Text,
		Nonce:       patch.Nonce,
		SenderText:  patch.SenderText,
		SenderNonce: patch.SenderNonce,
		Type:        patch.Type,
		Timestamp:   time.Now(),
	}
}

func TestEncodeDirectTextEncrypted(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	_ = newParty(t, shared, "bob")
	ctx := context.Background()

	patch, err := alice.codec.EncodeOutgoing(ctx, "hello bob", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)

	assert.True(t, patch.Encrypted)
	assert.NotEmpty(t, patch.Text)
	assert.NotEmpty(t, patch.Nonce)
	assert.NotEmpty(t, patch.SenderText)
	assert.NotEmpty(t, patch.SenderNonce)
	assert.NotEqual(t, "hello bob", patch.Text)
	assert.Equal(t, "hello bob", patch.Preview)
	// Two independent ciphertexts of the same plaintext
	assert.NotEqual(t, patch.Text, patch.SenderText)
}

func TestEncodeRecipientKeyAbsent(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	ctx := context.Background()

	// bob never initialized: fail-open to plaintext
	patch, err := alice.codec.EncodeOutgoing(ctx, "hi", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)

	assert.False(t, patch.Encrypted)
	assert.Equal(t, "hi", patch.Text)
	assert.Empty(t, patch.Nonce)
	assert.Empty(t, patch.SenderText)
	assert.Empty(t, patch.SenderNonce)
}

func TestEncodeGroupSkipsEncryption(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	_ = newParty(t, shared, "bob")
	ctx := context.Background()

	conv := &domain.Conversation{
		ID:      "g1",
		Type:    domain.ConversationGroup,
		Members: []string{"alice", "bob", "carol"},
	}

	patch, err := alice.codec.EncodeOutgoing(ctx, "team update", domain.MessageText, conv, "alice")
	require.NoError(t, err)
	assert.False(t, patch.Encrypted)
	assert.Equal(t, "team update", patch.Text)
	assert.Empty(t, patch.Nonce)
}

func TestEncodeMediaSkipsEncryption(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	_ = newParty(t, shared, "bob")
	ctx := context.Background()

	patch, err := alice.codec.EncodeOutgoing(ctx, "https://blob/abc", domain.MessageImage, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	assert.False(t, patch.Encrypted)
	assert.Equal(t, "https://blob/abc", patch.Text)
	assert.Empty(t, patch.Nonce)
}

func TestEncodePreviewTruncation(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	_ = newParty(t, shared, "bob")
	ctx := context.Background()

	long := "àbcdefghij"
	for len([]rune(long)) < 80 {
		long += "x"
	}

	patch, err := alice.codec.EncodeOutgoing(ctx, long, domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PreviewMaxLen, len([]rune(patch.Preview)))
}

func TestDecodeRoundTripBothSides(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	bob := newParty(t, shared, "bob")
	ctx := context.Background()

	patch, err := alice.codec.EncodeOutgoing(ctx, "hello", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	stored := storedFromPatch(patch, "alice")

	// Recipient reads the recipient copy
	got := bob.codec.DecodeIncoming(ctx, stored, "bob")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "hello", got.PlainText)

	// Sender reads the self-copy
	got = alice.codec.DecodeIncoming(ctx, stored, "alice")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "hello", got.PlainText)
}

func TestDecodePlaintextMessage(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	bob := newParty(t, shared, "bob")
	ctx := context.Background()

	stored := &domain.StoredMessage{
		ID: "m1", SenderID: "alice", Text: "hi", Type: domain.MessageText, Timestamp: time.Now(),
	}
	got := bob.codec.DecodeIncoming(ctx, stored, "bob")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "hi", got.PlainText)
}

func TestDecodeMediaNeverDecrypts(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	bob := newParty(t, shared, "bob")
	ctx := context.Background()

	stored := &domain.StoredMessage{
		ID: "m1", SenderID: "alice", Text: "https://blob/xyz",
		Type: domain.MessageImage, Timestamp: time.Now(),
		Metadata: map[string]any{"nonce": "irrelevant"},
	}
	got := bob.codec.DecodeIncoming(ctx, stored, "bob")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "https://blob/xyz", got.PlainText)
}

func TestDecodeOwnArmoredSentinel(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	ctx := context.Background()

	armored := base64.StdEncoding.EncodeToString([]byte("héllo legacy"))
	stored := &domain.StoredMessage{
		ID: "m1", SenderID: "alice",
		Text: "ciphertext-for-bob", Nonce: "bm9uY2U=",
		SenderText: armored, SenderNonce: domain.SenderNoncePlaintext,
		Type: domain.MessageText, Timestamp: time.Now(),
	}

	got := alice.codec.DecodeIncoming(ctx, stored, "alice")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "héllo legacy", got.PlainText)
}

func TestDecodeOwnArmoredWithoutNonce(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	ctx := context.Background()

	armored := base64.StdEncoding.EncodeToString([]byte("old copy"))
	stored := &domain.StoredMessage{
		ID: "m1", SenderID: "alice",
		SenderText: armored,
		Type:       domain.MessageText, Timestamp: time.Now(),
	}

	got := alice.codec.DecodeIncoming(ctx, stored, "alice")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "old copy", got.PlainText)
}

func TestDecodeOwnPlaintextUnderRecipientField(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	ctx := context.Background()

	// Sent while the recipient had no key: only Text, no nonce
	stored := &domain.StoredMessage{
		ID: "m1", SenderID: "alice", Text: "sent in the clear",
		Type: domain.MessageText, Timestamp: time.Now(),
	}
	got := alice.codec.DecodeIncoming(ctx, stored, "alice")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "sent in the clear", got.PlainText)
}

func TestDecodeOwnLegacyUnreadable(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	ctx := context.Background()

	// A self-copy sealed under keys that no longer exist
	stored := &domain.StoredMessage{
		ID: "m1", SenderID: "alice",
		SenderText:  base64.StdEncoding.EncodeToString([]byte("not real ciphertext, wrong everything")),
		SenderNonce: base64.StdEncoding.EncodeToString(make([]byte, 24)),
		Type:        domain.MessageText, Timestamp: time.Now(),
	}

	got := alice.codec.DecodeIncoming(ctx, stored, "alice")
	assert.False(t, got.Decrypted)
	assert.Equal(t, MarkerLegacyUnreadable, got.PlainText)
}

func TestDecodeIncomingSenderKeyMissing(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	bob := newParty(t, shared, "bob")
	ctx := context.Background()

	stored := &domain.StoredMessage{
		ID: "m1", SenderID: "stranger",
		Text:  base64.StdEncoding.EncodeToString([]byte("ciphertext")),
		Nonce: base64.StdEncoding.EncodeToString(make([]byte, 24)),
		Type:  domain.MessageText, Timestamp: time.Now(),
	}

	got := bob.codec.DecodeIncoming(ctx, stored, "bob")
	assert.False(t, got.Decrypted)
	assert.Equal(t, MarkerSenderKeyMissing, got.PlainText)
}

func TestDecodeIncomingAuthFailureIsResult(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	_ = newParty(t, shared, "bob")
	carol := newParty(t, shared, "carol")
	ctx := context.Background()

	// alice encrypts for bob; carol is not a valid recipient
	patch, err := alice.codec.EncodeOutgoing(ctx, "for bob only", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	stored := storedFromPatch(patch, "alice")

	got := carol.codec.DecodeIncoming(ctx, stored, "carol")
	assert.False(t, got.Decrypted)
	assert.Equal(t, MarkerUnableToDecrypt, got.PlainText)
}

func TestDecodeAfterRotation(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	bob := newParty(t, shared, "bob")
	ctx := context.Background()

	patch, err := alice.codec.EncodeOutgoing(ctx, "pre-rotation", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	stored := storedFromPatch(patch, "alice")

	// bob resolves alice's key now (cached at send time)
	got := bob.codec.DecodeIncoming(ctx, stored, "bob")
	require.True(t, got.Decrypted)

	_, err = alice.dir.RotateKeys(ctx, "alice")
	require.NoError(t, err)

	// Within the cache window bob still holds the pre-rotation key
	got = bob.codec.DecodeIncoming(ctx, stored, "bob")
	assert.True(t, got.Decrypted)
	assert.Equal(t, "pre-rotation", got.PlainText)

	// A reader resolving the NEW key cannot open the old ciphertext
	late := newObserver(t, shared, "bob")
	kp, err := bob.dir.InitializeIdentity(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, late.engine.SetActiveKeyPair(kp))
	late.engine.SetActiveIdentity("bob")

	got = late.codec.DecodeIncoming(ctx, stored, "bob")
	assert.False(t, got.Decrypted)
	assert.Equal(t, MarkerUnableToDecrypt, got.PlainText)
}
