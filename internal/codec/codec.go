package codec

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"

	"cipherchat/internal/crypto"
	"cipherchat/internal/domain"
	"cipherchat/internal/keydirectory"
	apperrors "cipherchat/pkg/errors"
	"cipherchat/pkg/logger"
	"cipherchat/pkg/metrics"
)

// User-visible markers for messages with no readable copy. Rendered in
// place of ciphertext; the UI never shows raw base64 or crashes.
const (
	MarkerUnableToDecrypt  = "[Unable to decrypt]"
	MarkerSenderKeyMissing = "[Sender key not available]"
	MarkerLegacyUnreadable = "[Message from a previous session]"
)

// Codec turns plaintext into the at-rest dual-encrypted record and back.
//
// The decode path is a tagged-variant dispatch keyed on which fields are
// present and who the reader is. Every branch terminates in either a
// plaintext or an explicit unreadable marker; authentication failures are
// results, never errors, because under the dual-copy scheme every message
// has at least one ciphertext the current reader is not a recipient of.
type Codec struct {
	engine    *crypto.Engine
	directory *keydirectory.Service
}

// NewCodec creates a message codec bound to an engine and key directory
func NewCodec(engine *crypto.Engine, directory *keydirectory.Service) *Codec {
	return &Codec{engine: engine, directory: directory}
}

// EncodeOutgoing builds the write-once fields for one outgoing message.
//
// Group and media messages skip encryption: group E2EE fan-out is an open
// gap, and media payload confidentiality is handled at the object-storage
// layer. For direct text, a missing recipient key degrades to plaintext
// (fail-open: delivery over confidentiality) while a reachable key yields
// the recipient ciphertext plus the sender's self-copy.
func (c *Codec) EncodeOutgoing(ctx context.Context, plaintext, msgType string, conv *domain.Conversation, senderID string) (*domain.MessagePatch, error) {
	if msgType == "" {
		msgType = domain.MessageText
	}

	patch := &domain.MessagePatch{
		Type:    msgType,
		Preview: previewOf(plaintext),
	}

	if msgType != domain.MessageText || conv.Type == domain.ConversationGroup {
		patch.Text = plaintext
		metrics.MessageEncodedTotal.WithLabelValues(msgType, "false").Inc()
		return patch, nil
	}

	recipientID := conv.OtherMember(senderID)
	if recipientID == "" {
		return nil, apperrors.InvalidInputError("sender is not a member of the direct conversation")
	}

	recipientKey, err := c.directory.GetPublicKey(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if recipientKey == "" {
		// Recipient never published keys; send unprotected rather than
		// refuse delivery
		logger.Warn("recipient has no published key, sending unencrypted",
			zap.String("recipient_id", recipientID),
		)
		patch.Text = plaintext
		metrics.MessageEncodedTotal.WithLabelValues(msgType, "false").Inc()
		return patch, nil
	}

	recipientCopy, err := c.engine.EncryptText(plaintext, recipientKey)
	if err != nil {
		return nil, err
	}

	selfCopy, err := c.engine.EncryptSelf(plaintext)
	if err != nil {
		return nil, err
	}

	patch.Text = recipientCopy.Content
	patch.Nonce = recipientCopy.Nonce
	patch.SenderText = selfCopy.Content
	patch.SenderNonce = selfCopy.Nonce
	patch.Encrypted = true
	metrics.MessageEncodedTotal.WithLabelValues(msgType, "true").Inc()
	return patch, nil
}

// DecodeIncoming recovers the display view of one stored message for
// currentUserID. It is total: every message shape maps to a ChatMessage,
// unreadable ones carry a marker and Decrypted=false.
func (c *Codec) DecodeIncoming(ctx context.Context, stored *domain.StoredMessage, currentUserID string) domain.ChatMessage {
	out := domain.ChatMessage{StoredMessage: *stored}

	// Media bodies are URLs; payload decryption happens at download time
	if stored.IsMedia() {
		out.PlainText = stored.Text
		out.Decrypted = true
		metrics.MessageDecodedTotal.WithLabelValues("plaintext").Inc()
		return out
	}

	// No encryption fields at all: plaintext or system message
	if stored.Nonce == "" && stored.SenderNonce == "" && stored.SenderText == "" {
		out.PlainText = stored.Text
		out.Decrypted = true
		metrics.MessageDecodedTotal.WithLabelValues("plaintext").Inc()
		return out
	}

	if stored.SenderID == currentUserID {
		return c.decodeOwn(stored, out)
	}
	return c.decodeForeign(ctx, stored, out)
}

// decodeOwn recovers the sender's own copy, newest scheme first, then each
// legacy shape in turn.
func (c *Codec) decodeOwn(stored *domain.StoredMessage, out domain.ChatMessage) domain.ChatMessage {
	switch {
	case stored.SenderNonce == domain.SenderNoncePlaintext && stored.SenderText != "":
		// Armored plaintext: reverse the base64 wrapping
		if plain, ok := unarmor(stored.SenderText); ok {
			out.PlainText = plain
			out.Decrypted = true
			metrics.MessageDecodedTotal.WithLabelValues("self_copy").Inc()
			return out
		}

	case stored.SenderText != "" && stored.SenderNonce == "":
		// Armored copy written before the sentinel existed
		if plain, ok := unarmor(stored.SenderText); ok {
			out.PlainText = plain
			out.Decrypted = true
			metrics.MessageDecodedTotal.WithLabelValues("self_copy").Inc()
			return out
		}

	case stored.Text != "" && stored.Nonce == "":
		// Plaintext stored under the recipient field
		out.PlainText = stored.Text
		out.Decrypted = true
		metrics.MessageDecodedTotal.WithLabelValues("plaintext").Inc()
		return out

	case stored.SenderText != "" && stored.SenderNonce != "":
		blob := domain.EncryptedBlob{Content: stored.SenderText, Nonce: stored.SenderNonce}

		// Current scheme: symmetric self-copy
		if plain, ok := c.engine.DecryptSelf(blob); ok {
			out.PlainText = plain
			out.Decrypted = true
			metrics.MessageDecodedTotal.WithLabelValues("self_copy").Inc()
			return out
		}

		// Legacy dual-encrypted path: a self-copy boxed against the
		// sender's own active public key
		if plain, ok := c.engine.DecryptText(blob, c.engine.ActivePublicKey()); ok {
			out.PlainText = plain
			out.Decrypted = true
			metrics.MessageDecodedTotal.WithLabelValues("self_copy").Inc()
			return out
		}

		out.PlainText = MarkerLegacyUnreadable
		metrics.MessageDecodedTotal.WithLabelValues("failed").Inc()
		return out
	}

	// No readable copy exists
	out.PlainText = MarkerUnableToDecrypt
	metrics.MessageDecodedTotal.WithLabelValues("failed").Inc()
	return out
}

// decodeForeign recovers a message someone else sent to the current user
func (c *Codec) decodeForeign(ctx context.Context, stored *domain.StoredMessage, out domain.ChatMessage) domain.ChatMessage {
	if stored.Text != "" && stored.Nonce != "" {
		senderKey, err := c.directory.GetPublicKey(ctx, stored.SenderID)
		if err != nil || senderKey == "" {
			out.PlainText = MarkerSenderKeyMissing
			metrics.MessageDecodedTotal.WithLabelValues("failed").Inc()
			return out
		}

		blob := domain.EncryptedBlob{Content: stored.Text, Nonce: stored.Nonce}
		if plain, ok := c.engine.DecryptText(blob, senderKey); ok {
			out.PlainText = plain
			out.Decrypted = true
			metrics.MessageDecodedTotal.WithLabelValues("decrypted").Inc()
			return out
		}

		// Expected whenever keys rotated or the ciphertext targets a
		// different recipient key; quietly mark, never throw
		out.PlainText = MarkerUnableToDecrypt
		metrics.MessageDecodedTotal.WithLabelValues("failed").Inc()
		return out
	}

	if stored.Text != "" {
		out.PlainText = stored.Text
		out.Decrypted = true
		metrics.MessageDecodedTotal.WithLabelValues("plaintext").Inc()
		return out
	}

	out.PlainText = MarkerUnableToDecrypt
	metrics.MessageDecodedTotal.WithLabelValues("failed").Inc()
	return out
}

func unarmor(armored string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(armored)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func previewOf(plaintext string) string {
	runes := []rune(plaintext)
	if len(runes) <= domain.PreviewMaxLen {
		return plaintext
	}
	return string(runes[:domain.PreviewMaxLen])
}
