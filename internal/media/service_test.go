package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/crypto"
	"cipherchat/internal/domain"
)

func newEngines(t *testing.T) (*crypto.Engine, *crypto.Engine, domain.KeyPair, domain.KeyPair) {
	t.Helper()
	sender := crypto.NewEngine()
	senderKP, err := sender.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, sender.SetActiveKeyPair(senderKP))

	recipient := crypto.NewEngine()
	recipientKP, err := recipient.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, recipient.SetActiveKeyPair(recipientKP))

	return sender, recipient, senderKP, recipientKP
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	sender, recipient, senderKP, recipientKP := newEngines(t)
	blobs := NewMemoryBlobStore()
	ctx := context.Background()

	payload := []byte("raw image bytes, definitely a JPEG")
	up, err := NewService(sender, blobs).UploadEncrypted(ctx, "c1", payload, "image/jpeg", recipientKP.PublicKey)
	require.NoError(t, err)
	assert.NotEmpty(t, up.URL)
	assert.NotEmpty(t, up.Nonce)
	assert.Equal(t, len(payload), up.Size)

	// The store holds ciphertext, not the payload
	stored, err := blobs.Get(ctx, up.URL)
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "JPEG")

	got, ok, err := NewService(recipient, blobs).DownloadDecrypted(ctx, up.URL, up.Nonce, senderKP.PublicKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestDownloadWrongKeyFailsAsResult(t *testing.T) {
	sender, _, _, recipientKP := newEngines(t)
	blobs := NewMemoryBlobStore()
	ctx := context.Background()

	up, err := NewService(sender, blobs).UploadEncrypted(ctx, "c1", []byte("secret"), "application/pdf", recipientKP.PublicKey)
	require.NoError(t, err)

	// A third party cannot open the payload; not an error, just ok=false
	outsider := crypto.NewEngine()
	kp, err := outsider.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, outsider.SetActiveKeyPair(kp))

	wrongSender := kp.PublicKey
	_, ok, err := NewService(outsider, blobs).DownloadDecrypted(ctx, up.URL, up.Nonce, wrongSender)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadMissingBlobIsError(t *testing.T) {
	sender, _, senderKP, _ := newEngines(t)
	svc := NewService(sender, NewMemoryBlobStore())

	_, _, err := svc.DownloadDecrypted(context.Background(), "mem://nope", "bm9uY2U=", senderKP.PublicKey)
	assert.Error(t, err)
}

func TestMessagePatchFor(t *testing.T) {
	sender, _, _, _ := newEngines(t)
	svc := NewService(sender, NewMemoryBlobStore())

	cases := []struct {
		contentType string
		wantType    string
	}{
		{"image/png", domain.MessageImage},
		{"audio/ogg", domain.MessageVoice},
		{"application/pdf", domain.MessageFile},
	}
	for _, tc := range cases {
		patch, metadata := svc.MessagePatchFor(&Upload{
			URL: "mem://x", Nonce: "n", ContentType: tc.contentType, Size: 3,
		})
		assert.Equal(t, tc.wantType, patch.Type, tc.contentType)
		assert.Equal(t, "mem://x", patch.Text)
		assert.Equal(t, "n", metadata["nonce"])
		assert.NotEmpty(t, patch.Preview)
	}
}
