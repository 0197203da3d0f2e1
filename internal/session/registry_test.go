package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/conversation"
	"cipherchat/internal/keydirectory"
	"cipherchat/internal/keystore"
	"cipherchat/internal/media"
	"cipherchat/internal/store"
)

func testRegistry() *Registry {
	return NewRegistry(Deps{
		KeyStore:  keystore.NewMemoryStore(),
		Directory: keydirectory.NewMemoryStore(),
		Convs:     store.NewMemoryConversationStore(),
		Msgs:      store.NewMemoryMessageStore(),
		Blobs:     media.NewMemoryBlobStore(),
	})
}

func TestForIsStablePerUser(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	first, err := r.For(ctx, "alice")
	require.NoError(t, err)
	again, err := r.For(ctx, "alice")
	require.NoError(t, err)
	assert.Same(t, first, again)

	other, err := r.For(ctx, "bob")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

// Initializing a second identity must not disturb the first one's
// encryption: each session seals with its own key pair, so both directions
// of a conversation stay readable no matter the bootstrap order.
func TestIdentitiesDoNotShareEngineState(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()

	alice, err := r.For(ctx, "alice")
	require.NoError(t, err)
	bob, err := r.For(ctx, "bob")
	require.NoError(t, err)

	conv, err := alice.Chats.CreateOrGetDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	// Alice sends after bob's identity bootstrap replaced nothing of hers
	sent, err := alice.Chats.Send(ctx, conversation.SendInput{
		ConversationID: conv.ID, SenderID: "alice", Plaintext: "hello",
	})
	require.NoError(t, err)
	require.True(t, sent.IsEncrypted())

	got, err := bob.Chats.Messages(ctx, conv.ID, "bob", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Decrypted)
	assert.Equal(t, "hello", got[0].PlainText)

	// Alice's own history opens through her self-copy
	own, err := alice.Chats.Messages(ctx, conv.ID, "alice", 0)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.True(t, own[0].Decrypted)
	assert.Equal(t, "hello", own[0].PlainText)

	// And the reply direction works too
	_, err = bob.Chats.Send(ctx, conversation.SendInput{
		ConversationID: conv.ID, SenderID: "bob", Plaintext: "hi back",
	})
	require.NoError(t, err)

	got, err = alice.Chats.Messages(ctx, conv.ID, "alice", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Decrypted)
	assert.Equal(t, "hi back", got[1].PlainText)
}

func TestSessionReloadsExistingIdentity(t *testing.T) {
	deps := Deps{
		KeyStore:  keystore.NewMemoryStore(),
		Directory: keydirectory.NewMemoryStore(),
		Convs:     store.NewMemoryConversationStore(),
		Msgs:      store.NewMemoryMessageStore(),
		Blobs:     media.NewMemoryBlobStore(),
	}
	ctx := context.Background()

	first, err := NewRegistry(deps).For(ctx, "alice")
	require.NoError(t, err)
	key, err := first.Keys.GetPublicKey(ctx, "alice")
	require.NoError(t, err)

	// A new registry over the same stores models a daemon restart: the
	// session must pick up the persisted pair, not mint a new one
	second, err := NewRegistry(deps).For(ctx, "alice")
	require.NoError(t, err)
	reloaded, err := second.Keys.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, key, reloaded)
}
