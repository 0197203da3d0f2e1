// Package media handles encrypted attachment upload and download over an
// object store. The payload bytes are encrypted before they leave the
// process; the store only ever sees ciphertext.
package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"cipherchat/internal/crypto"
	"cipherchat/internal/domain"
	"cipherchat/pkg/metrics"
)

// Preview glyphs for the conversation list
const (
	previewImage = "📷 Photo"
	previewVoice = "🎤 Voice message"
	previewFile  = "📎 File"
)

// Upload describes one stored attachment. The nonce travels in the
// message metadata; without it the blob cannot be opened.
type Upload struct {
	URL         string
	Nonce       string
	ContentType string
	Size        int
}

// Service encrypts attachments and moves them in and out of the blob store
type Service struct {
	engine *crypto.Engine
	blobs  BlobStore
}

// NewService creates a media service
func NewService(engine *crypto.Engine, blobs BlobStore) *Service {
	return &Service{engine: engine, blobs: blobs}
}

// UploadEncrypted encrypts data to the recipient's key and stores the
// ciphertext under a fresh object key scoped to the conversation.
func (s *Service) UploadEncrypted(ctx context.Context, convID string, data []byte, contentType, recipientPublicKey string) (*Upload, error) {
	blob, err := s.engine.EncryptBinary(data, recipientPublicKey)
	if err != nil {
		metrics.MediaUploadTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	key := fmt.Sprintf("conversations/%s/%s", convID, uuid.NewString())
	url, err := s.blobs.Put(ctx, key, []byte(blob.Content), "application/octet-stream")
	if err != nil {
		metrics.MediaUploadTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.MediaUploadTotal.WithLabelValues("ok").Inc()
	metrics.MediaUploadBytes.Add(float64(len(data)))
	return &Upload{
		URL:         url,
		Nonce:       blob.Nonce,
		ContentType: contentType,
		Size:        len(data),
	}, nil
}

// DownloadDecrypted fetches the ciphertext and opens it against the
// sender's public key. ok=false means the payload did not authenticate;
// err is reserved for store failures.
func (s *Service) DownloadDecrypted(ctx context.Context, url, nonce, senderPublicKey string) ([]byte, bool, error) {
	ciphertext, err := s.blobs.Get(ctx, url)
	if err != nil {
		return nil, false, err
	}

	data, ok := s.engine.DecryptBinary(domain.EncryptedBlob{
		Content: string(ciphertext),
		Nonce:   nonce,
	}, senderPublicKey)
	return data, ok, nil
}

// Delete removes a stored attachment
func (s *Service) Delete(ctx context.Context, url string) error {
	return s.blobs.Delete(ctx, url)
}

// MessagePatchFor builds the pre-encoded send fields for an uploaded
// attachment: the URL rides in the text field and the nonce in metadata,
// matching the media decode path.
func (s *Service) MessagePatchFor(upload *Upload) (*domain.MessagePatch, map[string]any) {
	msgType := typeForContent(upload.ContentType)
	patch := &domain.MessagePatch{
		Text:    upload.URL,
		Type:    msgType,
		Preview: previewFor(msgType),
	}
	metadata := map[string]any{
		"nonce":        upload.Nonce,
		"content_type": upload.ContentType,
		"size":         upload.Size,
	}
	return patch, metadata
}

func typeForContent(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return domain.MessageImage
	case strings.HasPrefix(contentType, "audio/"):
		return domain.MessageVoice
	default:
		return domain.MessageFile
	}
}

func previewFor(msgType string) string {
	switch msgType {
	case domain.MessageImage:
		return previewImage
	case domain.MessageVoice:
		return previewVoice
	default:
		return previewFile
	}
}
