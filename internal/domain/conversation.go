package domain

import (
	"sort"
	"time"
)

// Conversation types
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// MessagePreview is the short unencrypted preview shown in conversation
// lists. Bounded to PreviewMaxLen characters of the plaintext; an accepted
// confidentiality leak scoped to summaries only.
type MessagePreview struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PreviewMaxLen bounds the plaintext prefix stored in MessagePreview
const PreviewMaxLen = 50

// GroupInfo carries group-only conversation metadata
type GroupInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatedBy   string   `json:"created_by"`
	Admins      []string `json:"admins"`
	PhotoURL    string   `json:"photo_url,omitempty"`
}

// Conversation represents a direct or group thread.
//
// Invariants: direct conversations have exactly 2 distinct members and a
// deterministic ID derived from the sorted pair; groups have >=2 members
// with the creator always a member and an admin. DeletedBy soft-deletes a
// direct thread per member; groups are hard-deleted instead.
type Conversation struct {
	ID          string               `json:"id"`
	Type        string               `json:"type"`
	Members     []string             `json:"members"`
	LastMessage *MessagePreview      `json:"last_message,omitempty"`
	GroupInfo   *GroupInfo           `json:"group_info,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	DeletedBy   map[string]time.Time `json:"deleted_by,omitempty"`
}

// DirectConversationID derives the deterministic ID for a direct pair.
// Sorting makes (a,b) and (b,a) collapse to the same thread.
func DirectConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "direct:" + pair[0] + ":" + pair[1]
}

// HasMember reports whether userID participates in the conversation
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID may perform group-mutating operations.
// Direct conversations have no admin concept; both members may act.
func (c *Conversation) IsAdmin(userID string) bool {
	if c.Type != ConversationGroup || c.GroupInfo == nil {
		return c.HasMember(userID)
	}
	for _, a := range c.GroupInfo.Admins {
		if a == userID {
			return true
		}
	}
	return false
}

// IsDeletedBy reports whether userID soft-deleted the conversation
func (c *Conversation) IsDeletedBy(userID string) bool {
	if c.DeletedBy == nil {
		return false
	}
	_, ok := c.DeletedBy[userID]
	return ok
}

// OtherMember returns the counterpart in a direct conversation, or ""
// when userID is not a member or the conversation is a group.
func (c *Conversation) OtherMember(userID string) string {
	if c.Type != ConversationDirect || len(c.Members) != 2 {
		return ""
	}
	if c.Members[0] == userID {
		return c.Members[1]
	}
	if c.Members[1] == userID {
		return c.Members[0]
	}
	return ""
}
