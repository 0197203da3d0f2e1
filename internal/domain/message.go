package domain

import "time"

// Message types
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageVoice  = "voice"
	MessageSystem = "system"
)

// SenderNoncePlaintext is the legacy sentinel marking an armored-plaintext
// sender copy (base64 of the UTF-8 plaintext rather than real ciphertext).
// Recognized on decode only; never produced by current encoders.
const SenderNoncePlaintext = "plaintext"

// StoredMessage is the at-rest message record.
//
// A text message carries either (Text+Nonce) or neither. When encryption
// succeeded it carries both the recipient ciphertext (Text+Nonce) and the
// sender's self-copy (SenderText+SenderNonce): two independent ciphertexts
// of the same plaintext, because the box primitive cannot encrypt to the
// sender's own pair in one call. Media messages store a URL in Text and
// never carry encryption fields. Text/Nonce fields are write-once;
// Reactions, ReadBy and DeliveredTo are additive merges.
type StoredMessage struct {
	ID          string               `json:"id"`
	SenderID    string               `json:"sender_id"`
	Text        string               `json:"text,omitempty"`
	Nonce       string               `json:"nonce,omitempty"`
	SenderText  string               `json:"sender_text,omitempty"`
	SenderNonce string               `json:"sender_nonce,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	Type        string               `json:"type"`
	Metadata    map[string]any       `json:"metadata,omitempty"`
	Reactions   map[string][]string  `json:"reactions,omitempty"`
	ReadBy      []string             `json:"read_by,omitempty"`
	DeliveredTo []string             `json:"delivered_to,omitempty"`
}

// IsMedia reports whether the message body is a payload URL rather than text
func (m *StoredMessage) IsMedia() bool {
	switch m.Type {
	case MessageImage, MessageFile, MessageVoice, "media":
		return true
	}
	return false
}

// IsEncrypted reports whether the recipient copy is ciphertext
func (m *StoredMessage) IsEncrypted() bool {
	return m.Text != "" && m.Nonce != ""
}

// ChatMessage is the runtime view of a StoredMessage after decoding:
// the derived plaintext plus a decryption-success flag. Never persisted.
type ChatMessage struct {
	StoredMessage
	PlainText string `json:"plain_text"`
	Decrypted bool   `json:"decrypted"`
}

// MessagePatch is the encoder's output: the write-once fields of a new
// StoredMessage plus the conversation-list preview.
type MessagePatch struct {
	Text        string
	Nonce       string
	SenderText  string
	SenderNonce string
	Type        string
	Encrypted   bool
	Preview     string
}
