// Package conversation orchestrates conversation lifecycle and message
// send/subscribe flows. It is the only package that talks to the
// conversation and message stores.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cipherchat/internal/codec"
	"cipherchat/internal/domain"
	"cipherchat/internal/store"
	apperrors "cipherchat/pkg/errors"
	"cipherchat/pkg/logger"
	"cipherchat/pkg/metrics"
	"cipherchat/pkg/retry"
)

// Service implements the conversation operations over the storage
// interfaces. All blocking calls take a context.
type Service struct {
	convs store.ConversationStore
	msgs  store.MessageStore
	codec *codec.Codec
	batch *codec.BatchDecoder

	queryRetry retry.Policy
}

// NewService creates a conversation service
func NewService(convs store.ConversationStore, msgs store.MessageStore, messageCodec *codec.Codec) *Service {
	return &Service{
		convs:      convs,
		msgs:       msgs,
		codec:      messageCodec,
		batch:      codec.NewBatchDecoder(messageCodec),
		queryRetry: retry.DefaultQuery,
	}
}

// CreateOrGetDirect returns the direct conversation between the two users,
// creating it when absent. The deterministic id makes creation idempotent:
// concurrent calls for the same pair converge on one thread.
//
// When the caller soft-deleted the thread earlier, their deletion flag is
// cleared and lastMessage reset so old previews do not resurface.
func (s *Service) CreateOrGetDirect(ctx context.Context, currentUserID, otherUserID string) (*domain.Conversation, error) {
	if currentUserID == "" || otherUserID == "" {
		return nil, apperrors.InvalidInputError("both user ids are required")
	}
	if currentUserID == otherUserID {
		return nil, apperrors.SelfConversationError()
	}

	id := domain.DirectConversationID(currentUserID, otherUserID)
	existing, err := s.convs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if !existing.IsDeletedBy(currentUserID) {
			return existing, nil
		}
		err = s.convs.Update(ctx, id, func(c *domain.Conversation) error {
			delete(c.DeletedBy, currentUserID)
			c.LastMessage = nil
			c.UpdatedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return s.convs.Get(ctx, id)
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:        id,
		Type:      domain.ConversationDirect,
		Members:   []string{currentUserID, otherUserID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.convs.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateGroup creates a group conversation. The creator is always a member
// and the sole initial admin; the resulting member set must hold at least
// two distinct users.
func (s *Service) CreateGroup(ctx context.Context, creatorID string, memberIDs []string, info domain.GroupInfo) (*domain.Conversation, error) {
	if creatorID == "" {
		return nil, apperrors.InvalidInputError("creator id is required")
	}
	if strings.TrimSpace(info.Name) == "" {
		return nil, apperrors.InvalidInputError("group name is required")
	}

	members := dedupe(append([]string{creatorID}, memberIDs...))
	if len(members) < 2 {
		return nil, apperrors.InvalidInputError("a group needs at least 2 members")
	}

	now := time.Now().UTC()
	info.CreatedBy = creatorID
	info.Admins = []string{creatorID}

	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		Type:      domain.ConversationGroup,
		Members:   members,
		GroupInfo: &info,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.convs.Save(ctx, conv); err != nil {
		return nil, err
	}

	s.appendSystem(ctx, conv.ID, fmt.Sprintf("%s created the group %q", creatorID, info.Name))
	return conv, nil
}

// Get returns one conversation; the caller must be a member
func (s *Service) Get(ctx context.Context, convID, userID string) (*domain.Conversation, error) {
	return s.requireMember(ctx, convID, userID)
}

// ListForUser returns the user's conversations, newest activity first,
// excluding threads the user soft-deleted. Transient store failures are
// retried with exponential backoff before surfacing.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var all []domain.Conversation
	err := retry.Do(ctx, s.queryRetry, "list conversations", func() error {
		var listErr error
		all, listErr = s.convs.ListForUser(ctx, userID)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Conversation, 0, len(all))
	for _, c := range all {
		if !c.IsDeletedBy(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Subscribe streams the user's conversation list on every change until ctx
// is cancelled. Soft-deleted threads are filtered out of each snapshot.
func (s *Service) Subscribe(ctx context.Context, userID string) (<-chan []domain.Conversation, error) {
	src, err := s.convs.SubscribeForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan []domain.Conversation, 1)
	go func() {
		defer close(out)
		for snapshot := range src {
			visible := make([]domain.Conversation, 0, len(snapshot))
			for _, c := range snapshot {
				if !c.IsDeletedBy(userID) {
					visible = append(visible, c)
				}
			}
			emitLatest(out, visible)
		}
	}()
	return out, nil
}

// Messages returns the decoded message history for one conversation, oldest
// first. A positive limit keeps only the newest limit messages.
func (s *Service) Messages(ctx context.Context, convID, userID string, limit int) ([]domain.ChatMessage, error) {
	if _, err := s.requireMember(ctx, convID, userID); err != nil {
		return nil, err
	}

	var raw []domain.StoredMessage
	err := retry.Do(ctx, s.queryRetry, "list messages", func() error {
		var listErr error
		raw, listErr = s.msgs.List(ctx, convID, limit)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	decoded := s.batch.DecodeSnapshot(ctx, raw, userID)
	if decoded == nil {
		return nil, ctx.Err()
	}
	return decoded, nil
}

// SubscribeMessages streams decoded message snapshots for one conversation.
// Every raw snapshot runs through the batch decoder, so each emission is a
// fully settled, timestamp-ordered list.
func (s *Service) SubscribeMessages(ctx context.Context, convID, userID string) (<-chan []domain.ChatMessage, error) {
	if _, err := s.requireMember(ctx, convID, userID); err != nil {
		return nil, err
	}

	src, err := s.msgs.Subscribe(ctx, convID)
	if err != nil {
		return nil, err
	}

	out := make(chan []domain.ChatMessage, 1)
	go func() {
		defer close(out)
		for snapshot := range src {
			decoded := s.batch.DecodeSnapshot(ctx, snapshot, userID)
			if decoded == nil {
				// Cancelled mid-decode; the previous emission stays current
				continue
			}
			emitLatest(out, decoded)
		}
	}()
	return out, nil
}

// SendInput carries one outgoing message.
//
// Encoded short-circuits encoding for callers that already hold the wire
// fields (media uploads encrypt at upload time); when nil the plaintext is
// encoded here.
type SendInput struct {
	ConversationID string
	SenderID       string
	Plaintext      string
	Type           string
	Metadata       map[string]any
	Encoded        *domain.MessagePatch
}

// Send validates, encodes and persists one message, then updates the
// conversation preview. The two writes are separate operations; if the
// preview update fails after the message landed, the message is returned
// together with a partial-write error so the caller knows the record exists.
func (s *Service) Send(ctx context.Context, in SendInput) (*domain.StoredMessage, error) {
	if in.SenderID == "" {
		return nil, apperrors.InvalidInputError("sender id is required")
	}

	conv, err := s.requireMember(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	patch := in.Encoded
	if patch == nil {
		encodeStart := time.Now()
		patch, err = s.codec.EncodeOutgoing(ctx, in.Plaintext, in.Type, conv, in.SenderID)
		if err != nil {
			metrics.MessagePersistedTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		metrics.SendDuration.WithLabelValues("encode").Observe(time.Since(encodeStart).Seconds())
	}

	now := time.Now().UTC()
	msg := &domain.StoredMessage{
		ID:          uuid.NewString(),
		SenderID:    in.SenderID,
		Text:        patch.Text,
		Nonce:       patch.Nonce,
		SenderText:  patch.SenderText,
		SenderNonce: patch.SenderNonce,
		Timestamp:   now,
		Type:        patch.Type,
		Metadata:    in.Metadata,
	}

	persistStart := time.Now()
	if err := s.msgs.Append(ctx, conv.ID, msg); err != nil {
		metrics.MessagePersistedTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.SendDuration.WithLabelValues("persist").Observe(time.Since(persistStart).Seconds())

	previewStart := time.Now()
	err = s.convs.Update(ctx, conv.ID, func(c *domain.Conversation) error {
		c.LastMessage = &domain.MessagePreview{
			Text:      patch.Preview,
			SenderID:  in.SenderID,
			Timestamp: now,
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		// The message record exists; only the preview is stale
		metrics.MessagePersistedTotal.WithLabelValues("partial").Inc()
		logger.Warn("message persisted but preview update failed",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return msg, apperrors.PartialWriteError("message stored but preview update failed", err)
	}
	metrics.SendDuration.WithLabelValues("preview").Observe(time.Since(previewStart).Seconds())
	metrics.MessagePersistedTotal.WithLabelValues("ok").Inc()
	return msg, nil
}

// MergeMessage applies an additive merge (reactions, read receipts,
// delivery marks) to one message. Write-once fields are not touched here.
func (s *Service) MergeMessage(ctx context.Context, convID, msgID string, mutate func(*domain.StoredMessage) error) error {
	return s.msgs.Update(ctx, convID, msgID, mutate)
}

// MarkRead records userID as having read the message
func (s *Service) MarkRead(ctx context.Context, convID, msgID, userID string) error {
	return s.msgs.Update(ctx, convID, msgID, func(m *domain.StoredMessage) error {
		m.ReadBy = appendUnique(m.ReadBy, userID)
		return nil
	})
}

// AddReaction adds userID's reaction under the emoji key
func (s *Service) AddReaction(ctx context.Context, convID, msgID, userID, emoji string) error {
	return s.msgs.Update(ctx, convID, msgID, func(m *domain.StoredMessage) error {
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[emoji] = appendUnique(m.Reactions[emoji], userID)
		return nil
	})
}

// AddMembers adds users to a group. Admin only.
func (s *Service) AddMembers(ctx context.Context, convID, actorID string, newMembers []string) error {
	if err := s.mutateGroup(ctx, convID, actorID, func(c *domain.Conversation) error {
		for _, m := range newMembers {
			c.Members = appendUnique(c.Members, m)
		}
		return nil
	}); err != nil {
		return err
	}
	s.appendSystem(ctx, convID, fmt.Sprintf("%s added %s", actorID, strings.Join(newMembers, ", ")))
	return nil
}

// RemoveMembers removes users from a group. Admin only; the creator can
// never be removed.
func (s *Service) RemoveMembers(ctx context.Context, convID, actorID string, members []string) error {
	if err := s.mutateGroup(ctx, convID, actorID, func(c *domain.Conversation) error {
		for _, m := range members {
			if m == c.GroupInfo.CreatedBy {
				return apperrors.NotAuthorizedError("the group creator cannot be removed")
			}
		}
		for _, m := range members {
			c.Members = removeString(c.Members, m)
			c.GroupInfo.Admins = removeString(c.GroupInfo.Admins, m)
		}
		return nil
	}); err != nil {
		return err
	}
	s.appendSystem(ctx, convID, fmt.Sprintf("%s removed %s", actorID, strings.Join(members, ", ")))
	return nil
}

// GroupInfoPatch carries optional group metadata updates; nil fields are
// left unchanged
type GroupInfoPatch struct {
	Name        *string
	Description *string
	PhotoURL    *string
}

// UpdateGroupInfo updates group metadata. Admin only.
func (s *Service) UpdateGroupInfo(ctx context.Context, convID, actorID string, patch GroupInfoPatch) error {
	if err := s.mutateGroup(ctx, convID, actorID, func(c *domain.Conversation) error {
		if patch.Name != nil {
			if strings.TrimSpace(*patch.Name) == "" {
				return apperrors.InvalidInputError("group name cannot be empty")
			}
			c.GroupInfo.Name = *patch.Name
		}
		if patch.Description != nil {
			c.GroupInfo.Description = *patch.Description
		}
		if patch.PhotoURL != nil {
			c.GroupInfo.PhotoURL = *patch.PhotoURL
		}
		return nil
	}); err != nil {
		return err
	}
	s.appendSystem(ctx, convID, fmt.Sprintf("%s updated the group info", actorID))
	return nil
}

// TransferOwnership hands the creator role to another member. Only the
// current creator may transfer; the new owner becomes an admin.
func (s *Service) TransferOwnership(ctx context.Context, convID, actorID, newOwnerID string) error {
	conv, err := s.requireGroup(ctx, convID)
	if err != nil {
		return err
	}
	if conv.GroupInfo.CreatedBy != actorID {
		return apperrors.NotAuthorizedError("only the group creator can transfer ownership")
	}
	if !conv.HasMember(newOwnerID) {
		return apperrors.InvalidInputError("new owner must be a group member")
	}

	err = s.convs.Update(ctx, convID, func(c *domain.Conversation) error {
		c.GroupInfo.CreatedBy = newOwnerID
		c.GroupInfo.Admins = appendUnique(c.GroupInfo.Admins, newOwnerID)
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	s.appendSystem(ctx, convID, fmt.Sprintf("%s transferred ownership to %s", actorID, newOwnerID))
	return nil
}

// LeaveGroup removes the calling user from a group. The creator must
// transfer ownership first.
func (s *Service) LeaveGroup(ctx context.Context, convID, userID string) error {
	conv, err := s.requireGroup(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasMember(userID) {
		return apperrors.NotAuthorizedError("not a member of this group")
	}
	if conv.GroupInfo.CreatedBy == userID {
		return apperrors.NotAuthorizedError("the creator must transfer ownership before leaving")
	}

	err = s.convs.Update(ctx, convID, func(c *domain.Conversation) error {
		c.Members = removeString(c.Members, userID)
		c.GroupInfo.Admins = removeString(c.GroupInfo.Admins, userID)
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	s.appendSystem(ctx, convID, fmt.Sprintf("%s left the group", userID))
	return nil
}

// DeleteConversation removes the message history (chunked by the store) and
// then disposes of the conversation: direct threads are soft-deleted per
// member and reversible via CreateOrGetDirect, groups are gone for good.
func (s *Service) DeleteConversation(ctx context.Context, convID, userID string) error {
	conv, err := s.requireMember(ctx, convID, userID)
	if err != nil {
		return err
	}

	if err := s.msgs.DeleteAll(ctx, convID); err != nil {
		return err
	}

	if conv.Type == domain.ConversationDirect {
		return s.convs.Update(ctx, convID, func(c *domain.Conversation) error {
			if c.DeletedBy == nil {
				c.DeletedBy = make(map[string]time.Time)
			}
			c.DeletedBy[userID] = time.Now().UTC()
			c.LastMessage = nil
			return nil
		})
	}
	return s.convs.Delete(ctx, convID)
}

func (s *Service) requireMember(ctx context.Context, convID, userID string) (*domain.Conversation, error) {
	conv, err := s.convs.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperrors.ConversationNotFoundError(convID)
	}
	if !conv.HasMember(userID) {
		return nil, apperrors.NotAuthorizedError("not a member of this conversation")
	}
	return conv, nil
}

func (s *Service) requireGroup(ctx context.Context, convID string) (*domain.Conversation, error) {
	conv, err := s.convs.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperrors.ConversationNotFoundError(convID)
	}
	if conv.Type != domain.ConversationGroup || conv.GroupInfo == nil {
		return nil, apperrors.InvalidInputError("not a group conversation")
	}
	return conv, nil
}

// mutateGroup runs an admin-gated group mutation as one read-modify-write
func (s *Service) mutateGroup(ctx context.Context, convID, actorID string, mutate func(*domain.Conversation) error) error {
	conv, err := s.requireGroup(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.IsAdmin(actorID) {
		return apperrors.NotAuthorizedError("admin rights required")
	}

	return s.convs.Update(ctx, convID, func(c *domain.Conversation) error {
		if err := mutate(c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// appendSystem writes the audit trail entry for a successful group
// mutation. Best effort: a failed audit write never fails the mutation.
func (s *Service) appendSystem(ctx context.Context, convID, text string) {
	msg := &domain.StoredMessage{
		ID:        uuid.NewString(),
		SenderID:  "system",
		Text:      text,
		Timestamp: time.Now().UTC(),
		Type:      domain.MessageSystem,
	}
	if err := s.msgs.Append(ctx, convID, msg); err != nil {
		logger.Warn("failed to append system message",
			zap.String("conversation_id", convID),
			zap.Error(err),
		)
	}
}

// emitLatest delivers a snapshot, replacing any unread one so a slow
// consumer only ever sees the most recent state
func emitLatest[T any](ch chan []T, snapshot []T) {
	select {
	case ch <- snapshot:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func appendUnique(in []string, v string) []string {
	for _, existing := range in {
		if existing == v {
			return in
		}
	}
	return append(in, v)
}

// removeString returns a fresh slice so the input's backing array is never
// rewritten under a caller still holding it
func removeString(in []string, v string) []string {
	out := make([]string, 0, len(in))
	for _, existing := range in {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
