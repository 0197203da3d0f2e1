// Package session binds one crypto engine per authenticated identity.
// The engine's active key pair is process state: sharing one engine across
// users would let the last identity to initialize seal every other user's
// outgoing boxes and self-copies with the wrong private key.
package session

import (
	"context"
	"sync"

	"cipherchat/internal/codec"
	"cipherchat/internal/conversation"
	"cipherchat/internal/crypto"
	"cipherchat/internal/keydirectory"
	"cipherchat/internal/keystore"
	"cipherchat/internal/media"
	"cipherchat/internal/store"
)

// Session is one user's client-side service set: a private engine plus the
// directory, conversation and media services bound to it. The backing
// stores are shared across sessions.
type Session struct {
	Keys  *keydirectory.Service
	Chats *conversation.Service
	Media *media.Service
}

// Deps are the shared backends sessions are built over
type Deps struct {
	KeyStore  keystore.Store
	Directory keydirectory.Store
	Convs     store.ConversationStore
	Msgs      store.MessageStore
	Blobs     media.BlobStore
	DeviceID  string
}

// Registry hands out per-identity sessions, creating each one on first use
type Registry struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry over the shared backends
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// For returns userID's session, building and bootstrapping it on first
// call. The identity bootstrap is idempotent: existing keys load from the
// keystore, a first-time user gets a fresh published pair.
func (r *Registry) For(ctx context.Context, userID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	engine := crypto.NewEngine()
	keys := keydirectory.NewService(engine, r.deps.KeyStore, r.deps.Directory,
		keydirectory.WithDeviceID(r.deps.DeviceID))
	if _, err := keys.InitializeIdentity(ctx, userID); err != nil {
		return nil, err
	}

	s := &Session{
		Keys:  keys,
		Chats: conversation.NewService(r.deps.Convs, r.deps.Msgs, codec.NewCodec(engine, keys)),
		Media: media.NewService(engine, r.deps.Blobs),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Two requests can race the bootstrap; the first registered session wins
	if existing, ok := r.sessions[userID]; ok {
		return existing, nil
	}
	r.sessions[userID] = s
	return s, nil
}
