// Package chat exposes the conversation, key directory, media and presence
// operations over HTTP.
package chat

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cipherchat/internal/conversation"
	"cipherchat/internal/domain"
	"cipherchat/internal/middleware"
	"cipherchat/internal/presence"
	"cipherchat/internal/session"
	"cipherchat/pkg/response"
)

// maxAttachmentBytes caps a single media upload
const maxAttachmentBytes = 32 << 20

// Handler serves the chat API. Each request runs against the caller's own
// session so key material never crosses identities.
type Handler struct {
	sessions *session.Registry
	presence presence.Store
}

// NewHandler creates the chat API handler
func NewHandler(sessions *session.Registry, presenceStore presence.Store) *Handler {
	return &Handler{
		sessions: sessions,
		presence: presenceStore,
	}
}

// RegisterRoutes mounts the chat API under the given (authenticated) group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	conv := rg.Group("/conversations")
	{
		conv.GET("", h.listConversations)
		conv.POST("/direct", h.createDirect)
		conv.POST("/group", h.createGroup)
		conv.GET("/:id", h.getConversation)
		conv.DELETE("/:id", h.deleteConversation)

		conv.GET("/:id/messages", h.listMessages)
		conv.POST("/:id/messages", h.sendMessage)
		conv.POST("/:id/messages/:messageID/read", h.markRead)
		conv.POST("/:id/messages/:messageID/reactions", h.addReaction)

		conv.POST("/:id/media", h.uploadMedia)

		conv.POST("/:id/members", h.addMembers)
		conv.DELETE("/:id/members", h.removeMembers)
		conv.PATCH("/:id/info", h.updateGroupInfo)
		conv.POST("/:id/transfer", h.transferOwnership)
		conv.POST("/:id/leave", h.leaveGroup)

		conv.GET("/:id/typing", h.typingUsers)
	}

	keys := rg.Group("/keys")
	{
		keys.POST("/init", h.initIdentity)
		keys.POST("/rotate", h.rotateKeys)
		keys.GET("/verify", h.verifyKeys)
		keys.GET("/:userID", h.getPublicKey)
		keys.GET("/:userID/prekeys", h.getPreKeys)
		keys.POST("/devices", h.addDevice)
		keys.DELETE("/devices/:deviceID", h.removeDevice)
	}

	pres := rg.Group("/presence")
	{
		pres.POST("/heartbeat", h.heartbeat)
		pres.GET("/online", h.onlineMembers)
	}
}

// callerSession resolves the authenticated caller's session, replying with
// the mapped error on failure
func (h *Handler) callerSession(c *gin.Context) (*session.Session, bool) {
	sess, err := h.sessions.For(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromAppError(c, err)
		return nil, false
	}
	return sess, true
}

type createDirectRequest struct {
	OtherUserID string `json:"other_user_id" binding:"required"`
}

func (h *Handler) createDirect(c *gin.Context) {
	var req createDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	conv, err := sess.Chats.CreateOrGetDirect(c.Request.Context(), middleware.UserID(c), req.OtherUserID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, conv)
}

type createGroupRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	PhotoURL    string   `json:"photo_url"`
	MemberIDs   []string `json:"member_ids" binding:"required"`
}

func (h *Handler) createGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	conv, err := sess.Chats.CreateGroup(c.Request.Context(), middleware.UserID(c), req.MemberIDs, domain.GroupInfo{
		Name:        req.Name,
		Description: req.Description,
		PhotoURL:    req.PhotoURL,
	})
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	convs, err := sess.Chats.ListForUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, convs)
}

func (h *Handler) getConversation(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	conv, err := sess.Chats.Get(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, conv)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	if err := sess.Chats.DeleteConversation(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) listMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.ValidationError(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	msgs, err := sess.Chats.Messages(c.Request.Context(), c.Param("id"), middleware.UserID(c), limit)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Text string `json:"text" binding:"required"`
	Type string `json:"type"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if req.Type == "" {
		req.Type = domain.MessageText
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	msg, err := sess.Chats.Send(c.Request.Context(), conversation.SendInput{
		ConversationID: c.Param("id"),
		SenderID:       middleware.UserID(c),
		Plaintext:      req.Text,
		Type:           req.Type,
	})
	if err != nil {
		if msg != nil {
			// Partial write: the message landed, only the preview is stale
			response.Success(c, http.StatusOK, msg)
			return
		}
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, msg)
}

func (h *Handler) markRead(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	err := sess.Chats.MarkRead(c.Request.Context(), c.Param("id"), c.Param("messageID"), middleware.UserID(c))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"read": true})
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *Handler) addReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	err := sess.Chats.AddReaction(c.Request.Context(), c.Param("id"), c.Param("messageID"), middleware.UserID(c), req.Emoji)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"reacted": true})
}

// uploadMedia accepts a multipart attachment, encrypts it to the other
// direct-conversation member and sends it as a media message. Group
// attachments travel unencrypted, matching the text path.
func (h *Handler) uploadMedia(c *gin.Context) {
	userID := middleware.UserID(c)
	convID := c.Param("id")
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	conv, err := sess.Chats.Get(c.Request.Context(), convID, userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	if conv.Type != domain.ConversationDirect {
		response.ValidationError(c, "media upload is only supported in direct conversations")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.ValidationError(c, "a file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxAttachmentBytes+1))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "UPLOAD_READ_FAILED", err.Error())
		return
	}
	if len(data) > maxAttachmentBytes {
		response.ValidationError(c, "attachment exceeds the size limit")
		return
	}

	recipientKey, err := sess.Keys.GetPublicKey(c.Request.Context(), conv.OtherMember(userID))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	if recipientKey == "" {
		response.ValidationError(c, "recipient has not published an encryption key")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	upload, err := sess.Media.UploadEncrypted(c.Request.Context(), convID, data, contentType, recipientKey)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	patch, metadata := sess.Media.MessagePatchFor(upload)
	msg, err := sess.Chats.Send(c.Request.Context(), conversation.SendInput{
		ConversationID: convID,
		SenderID:       userID,
		Type:           patch.Type,
		Metadata:       metadata,
		Encoded:        patch,
	})
	if err != nil && msg == nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, msg)
}

type membersRequest struct {
	MemberIDs []string `json:"member_ids" binding:"required"`
}

func (h *Handler) addMembers(c *gin.Context) {
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	if err := sess.Chats.AddMembers(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.MemberIDs); err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"added": req.MemberIDs})
}

func (h *Handler) removeMembers(c *gin.Context) {
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	if err := sess.Chats.RemoveMembers(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.MemberIDs); err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": req.MemberIDs})
}

type groupInfoRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	PhotoURL    *string `json:"photo_url"`
}

func (h *Handler) updateGroupInfo(c *gin.Context) {
	var req groupInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	err := sess.Chats.UpdateGroupInfo(c.Request.Context(), c.Param("id"), middleware.UserID(c), conversation.GroupInfoPatch{
		Name:        req.Name,
		Description: req.Description,
		PhotoURL:    req.PhotoURL,
	})
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

type transferRequest struct {
	NewOwnerID string `json:"new_owner_id" binding:"required"`
}

func (h *Handler) transferOwnership(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	err := sess.Chats.TransferOwnership(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.NewOwnerID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"owner": req.NewOwnerID})
}

func (h *Handler) leaveGroup(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	if err := sess.Chats.LeaveGroup(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"left": true})
}

func (h *Handler) initIdentity(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	kp, err := sess.Keys.InitializeIdentity(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	// The private half never crosses the API boundary
	response.Success(c, http.StatusOK, gin.H{"public_key": kp.PublicKey})
}

func (h *Handler) rotateKeys(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	kp, err := sess.Keys.RotateKeys(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"public_key": kp.PublicKey})
}

func (h *Handler) verifyKeys(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	okKeys, err := sess.Keys.VerifyKeyIntegrity(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"consistent": okKeys})
}

func (h *Handler) getPublicKey(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	key, err := sess.Keys.GetPublicKey(c.Request.Context(), c.Param("userID"))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	if key == "" {
		response.Error(c, http.StatusNotFound, "KEY_NOT_PUBLISHED", "user has not published a public key")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"user_id": c.Param("userID"), "public_key": key})
}

func (h *Handler) getPreKeys(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	preKeys, err := sess.Keys.GetPreKeys(c.Request.Context(), c.Param("userID"))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"pre_keys": preKeys})
}

type addDeviceRequest struct {
	DeviceID  string `json:"device_id" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"`
}

func (h *Handler) addDevice(c *gin.Context) {
	var req addDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	err := sess.Keys.AddDevice(c.Request.Context(), middleware.UserID(c), req.DeviceID, req.PublicKey)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"device_id": req.DeviceID})
}

func (h *Handler) removeDevice(c *gin.Context) {
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	err := sess.Keys.RemoveDevice(c.Request.Context(), middleware.UserID(c), c.Param("deviceID"))
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": true})
}

func (h *Handler) heartbeat(c *gin.Context) {
	userID := middleware.UserID(c)
	if err := h.presence.Heartbeat(c.Request.Context(), userID); err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"online": true})
}

func (h *Handler) onlineMembers(c *gin.Context) {
	ids := c.QueryArray("user_id")
	if len(ids) == 0 {
		response.ValidationError(c, "at least one user_id query parameter is required")
		return
	}

	online, err := h.presence.OnlineMembers(c.Request.Context(), ids)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"online": online})
}

func (h *Handler) typingUsers(c *gin.Context) {
	userID := middleware.UserID(c)
	convID := c.Param("id")
	sess, ok := h.callerSession(c)
	if !ok {
		return
	}

	if _, err := sess.Chats.Get(c.Request.Context(), convID, userID); err != nil {
		response.FromAppError(c, err)
		return
	}

	typing, err := h.presence.TypingUsers(c.Request.Context(), convID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"typing": typing})
}
