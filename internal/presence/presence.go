// Package presence tracks online status and typing indicators. Entries
// expire on their own: a client that stops heartbeating goes offline
// without an explicit signout, and typing flags clear themselves.
package presence

import (
	"context"
	"time"
)

// TTLs for the self-expiring presence records
const (
	OnlineTTL         = 5 * time.Minute
	HeartbeatInterval = 30 * time.Second
	TypingTTL         = 3 * time.Second
)

// Store is the presence backend
type Store interface {
	// SetOnline marks the user online; the mark expires after OnlineTTL
	// unless refreshed
	SetOnline(ctx context.Context, userID string) error

	// SetOffline removes the online mark immediately
	SetOffline(ctx context.Context, userID string) error

	// Heartbeat refreshes the online TTL
	Heartbeat(ctx context.Context, userID string) error

	IsOnline(ctx context.Context, userID string) (bool, error)

	// OnlineMembers filters the given users down to those currently online
	OnlineMembers(ctx context.Context, userIDs []string) ([]string, error)

	// SetTyping raises or clears the typing flag for a user in a
	// conversation; a raised flag auto-clears after TypingTTL
	SetTyping(ctx context.Context, convID, userID string, typing bool) error

	// TypingUsers lists users currently typing in a conversation
	TypingUsers(ctx context.Context, convID string) ([]string, error)
}
