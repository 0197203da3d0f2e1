package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/codec"
	"cipherchat/internal/crypto"
	"cipherchat/internal/domain"
	"cipherchat/internal/keydirectory"
	"cipherchat/internal/keystore"
)

// account is one user's full client: identity, directory handle and
// conversation service, over the shared world stores
type account struct {
	userID string
	keys   keystore.Store
	dir    *keydirectory.Service
	svc    *Service
}

func (w *world) account(t *testing.T, userID string) *account {
	return w.session(t, userID, keystore.NewMemoryStore())
}

// session builds a client over an existing keystore: a fresh process with
// no warm caches, reusing whatever identity the keystore holds
func (w *world) session(t *testing.T, userID string, keys keystore.Store) *account {
	t.Helper()
	engine := crypto.NewEngine()
	dir := keydirectory.NewService(engine, keys, w.directory)
	_, err := dir.InitializeIdentity(context.Background(), userID)
	require.NoError(t, err)
	return &account{
		userID: userID,
		keys:   keys,
		dir:    dir,
		svc:    NewService(w.convs, w.msgs, codec.NewCodec(engine, dir)),
	}
}

func awaitSnapshot(t *testing.T, ch <-chan []domain.ChatMessage, want func([]domain.ChatMessage) bool) []domain.ChatMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed before the expected snapshot")
			}
			if want(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

// Two initialized users exchange one message; both live subscriptions
// deliver the decoded plaintext, the sender's via the self-copy.
func TestScenarioBothSidesDecodeLive(t *testing.T) {
	w := newWorld()
	alice := w.account(t, "alice")
	bob := w.account(t, "bob")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, err := alice.svc.CreateOrGetDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	aliceCh, err := alice.svc.SubscribeMessages(ctx, conv.ID, "alice")
	require.NoError(t, err)
	bobCh, err := bob.svc.SubscribeMessages(ctx, conv.ID, "bob")
	require.NoError(t, err)

	_, err = alice.svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "alice", Plaintext: "hello"})
	require.NoError(t, err)

	hasHello := func(snapshot []domain.ChatMessage) bool {
		return len(snapshot) == 1 && snapshot[0].PlainText == "hello"
	}
	got := awaitSnapshot(t, bobCh, hasHello)
	assert.True(t, got[0].Decrypted)

	echo := awaitSnapshot(t, aliceCh, hasHello)
	assert.True(t, echo[0].Decrypted)
}

// The recipient never published a key: the message degrades to stored
// plaintext instead of failing the send.
func TestScenarioRecipientWithoutKeys(t *testing.T) {
	w := newWorld()
	alice := w.account(t, "alice")
	ctx := context.Background()

	conv, err := alice.svc.CreateOrGetDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := alice.svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "alice", Plaintext: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Text)
	assert.Empty(t, msg.Nonce)
	assert.Empty(t, msg.SenderText)
}

// Rotation boundary: a pre-rotation ciphertext stays readable only while
// the reader still holds the pre-rotation sender key. A reader that
// resolves the rotated key cannot open it.
func TestScenarioRotationOrphansOldCiphertext(t *testing.T) {
	w := newWorld()
	alice := w.account(t, "alice")
	bob := w.account(t, "bob")
	ctx := context.Background()

	conv, err := alice.svc.CreateOrGetDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = alice.svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "alice", Plaintext: "before rotation"})
	require.NoError(t, err)

	// Bob reads once pre-rotation, which pins alice's current key in his
	// directory cache
	msgs, err := bob.svc.Messages(ctx, conv.ID, "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "before rotation", msgs[0].PlainText)

	_, err = alice.dir.RotateKeys(ctx, "alice")
	require.NoError(t, err)

	// Still readable through the cached pre-rotation key
	msgs, err = bob.svc.Messages(ctx, conv.ID, "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Decrypted)

	// A fresh session keeps bob's identity but resolves alice's rotated
	// key, so the old ciphertext no longer opens
	bob2 := w.session(t, "bob", bob.keys)
	msgs, err = bob2.svc.Messages(ctx, conv.ID, "bob", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Decrypted)
	assert.Equal(t, codec.MarkerUnableToDecrypt, msgs[0].PlainText)
}
