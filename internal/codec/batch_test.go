package codec

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/domain"
	"cipherchat/internal/keydirectory"
	"cipherchat/internal/keystore"

	"cipherchat/internal/crypto"
)

// slowDirectory delays lookups so decodes genuinely overlap
type slowDirectory struct {
	*keydirectory.MemoryStore
	delay time.Duration
}

func (s *slowDirectory) Get(ctx context.Context, userID string) (*domain.DirectoryEntry, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Get(ctx, userID)
}

func TestDecodeSnapshotEmpty(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	bob := newParty(t, shared, "bob")

	out := NewBatchDecoder(bob.codec).DecodeSnapshot(context.Background(), nil, "bob")
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDecodeSnapshotAtomicAndOrdered(t *testing.T) {
	shared := &slowDirectory{MemoryStore: keydirectory.NewMemoryStore(), delay: 20 * time.Millisecond}
	alice := newParty(t, shared, "alice")
	bob := newParty(t, shared, "bob")
	ctx := context.Background()

	conv := directConv("alice", "bob")
	base := time.Now()

	var msgs []domain.StoredMessage
	for i := 0; i < 8; i++ {
		patch, err := alice.codec.EncodeOutgoing(ctx, "msg "+strconv.Itoa(i), domain.MessageText, conv, "alice")
		require.NoError(t, err)
		m := storedFromPatch(patch, "alice")
		m.ID = strconv.Itoa(i)
		// Deliberately shuffled timestamps: newest first, oldest last
		m.Timestamp = base.Add(time.Duration(8-i) * time.Second)
		msgs = append(msgs, *m)
	}
	// One plaintext system line in the middle
	msgs = append(msgs, domain.StoredMessage{
		ID: "sys", SenderID: "system", Text: "bob joined",
		Type: domain.MessageSystem, Timestamp: base,
	})

	out := NewBatchDecoder(bob.codec).DecodeSnapshot(ctx, msgs, "bob")

	// Single emission carries every item, fully settled
	require.Len(t, out, len(msgs))
	for _, m := range out {
		assert.True(t, m.Decrypted, "message %s not settled", m.ID)
	}

	// Re-sorted by server timestamp ascending
	assert.True(t, sort.SliceIsSorted(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	}))
	assert.Equal(t, "sys", out[0].ID)
	assert.Equal(t, "bob joined", out[0].PlainText)
}

func TestDecodeSnapshotCancelledReturnsNil(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	bob := newParty(t, shared, "bob")

	patch, err := alice.codec.EncodeOutgoing(context.Background(), "hi", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	msgs := []domain.StoredMessage{*storedFromPatch(patch, "alice")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewBatchDecoder(bob.codec).DecodeSnapshot(ctx, msgs, "bob")
	assert.Nil(t, out)
}

func TestDecodeSnapshotWaitsForKeys(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	ctx := context.Background()

	// bob publishes but his reading engine starts cold
	bobDir := keydirectory.NewService(crypto.NewEngine(), keystore.NewMemoryStore(), shared)
	bobKeys, err := bobDir.InitializeIdentity(ctx, "bob")
	require.NoError(t, err)

	patch, err := alice.codec.EncodeOutgoing(ctx, "early bird", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	msgs := []domain.StoredMessage{*storedFromPatch(patch, "alice")}

	coldEngine := crypto.NewEngine()
	coldCodec := NewCodec(coldEngine, keydirectory.NewService(coldEngine, keystore.NewMemoryStore(), shared))
	dec := NewBatchDecoder(coldCodec)
	dec.KeyWaitInterval = 10 * time.Millisecond
	dec.KeyWaitTimeout = 2 * time.Second

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		_ = coldEngine.SetActiveKeyPair(bobKeys)
		coldEngine.SetActiveIdentity("bob")
	}()

	out := dec.DecodeSnapshot(ctx, msgs, "bob")
	wg.Wait()

	require.Len(t, out, 1)
	assert.True(t, out[0].Decrypted)
	assert.Equal(t, "early bird", out[0].PlainText)
}

func TestDecodeSnapshotKeyTimeoutStillSettles(t *testing.T) {
	shared := keydirectory.NewMemoryStore()
	alice := newParty(t, shared, "alice")
	_ = newParty(t, shared, "bob")
	ctx := context.Background()

	patch, err := alice.codec.EncodeOutgoing(ctx, "hi", domain.MessageText, directConv("alice", "bob"), "alice")
	require.NoError(t, err)
	msgs := []domain.StoredMessage{*storedFromPatch(patch, "alice")}

	// Keys never arrive: every encrypted item resolves to a marker
	coldEngine := crypto.NewEngine()
	coldCodec := NewCodec(coldEngine, keydirectory.NewService(coldEngine, keystore.NewMemoryStore(), shared))
	dec := NewBatchDecoder(coldCodec)
	dec.KeyWaitInterval = 5 * time.Millisecond
	dec.KeyWaitTimeout = 30 * time.Millisecond

	out := dec.DecodeSnapshot(ctx, msgs, "bob")
	require.Len(t, out, 1)
	assert.False(t, out[0].Decrypted)
	assert.Equal(t, MarkerUnableToDecrypt, out[0].PlainText)
}
