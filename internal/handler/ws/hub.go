// Package ws is the server side of the realtime channel: one hub fanning
// frames out to room subscribers, speaking the same frame protocol as the
// client bridge.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cipherchat/internal/conversation"
	"cipherchat/internal/middleware"
	"cipherchat/internal/presence"
	"cipherchat/internal/session"
	"cipherchat/internal/transport"
	"cipherchat/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens at the token layer; origin is not a boundary here
		return true
	},
}

// Hub fans realtime frames out to room subscribers. Message persistence
// runs through the sender's own session so each connection encrypts with
// its own identity keys.
type Hub struct {
	sessions *session.Registry
	presence presence.Store

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	sess   *session.Session

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewHub creates a hub over the session registry and presence store
func NewHub(sessions *session.Registry, presenceStore presence.Store) *Hub {
	return &Hub{
		sessions: sessions,
		presence: presenceStore,
		rooms:    make(map[string]map[*client]struct{}),
		clients:  make(map[*client]struct{}),
	}
}

// ServeWS upgrades the request and runs the client pumps until disconnect
func (h *Hub) ServeWS(c *gin.Context) {
	userID := middleware.UserID(c)
	sess, err := h.sessions.For(c.Request.Context(), userID)
	if err != nil {
		logger.Warn("session bootstrap failed",
			zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		sess:   sess,
		rooms:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	if err := h.presence.SetOnline(c.Request.Context(), userID); err != nil {
		logger.Warn("failed to set presence", zap.String("user_id", userID), zap.Error(err))
	}

	go cl.writePump()
	cl.readPump()
}

// broadcast delivers a frame to every subscriber of the conversation room
func (h *Hub) broadcast(convID string, frame *transport.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.rooms[convID] {
		select {
		case cl.send <- raw:
		default:
			// Slow consumer; the document-store subscription catches it up
		}
	}
}

func (h *Hub) join(cl *client, convID string) {
	h.mu.Lock()
	if h.rooms[convID] == nil {
		h.rooms[convID] = make(map[*client]struct{})
	}
	h.rooms[convID][cl] = struct{}{}
	h.mu.Unlock()

	cl.mu.Lock()
	cl.rooms[convID] = struct{}{}
	cl.mu.Unlock()
}

func (h *Hub) leave(cl *client, convID string) {
	h.mu.Lock()
	if room, ok := h.rooms[convID]; ok {
		delete(room, cl)
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
	h.mu.Unlock()

	cl.mu.Lock()
	delete(cl.rooms, convID)
	cl.mu.Unlock()
}

func (h *Hub) disconnect(cl *client) {
	cl.mu.Lock()
	rooms := make([]string, 0, len(cl.rooms))
	for r := range cl.rooms {
		rooms = append(rooms, r)
	}
	cl.mu.Unlock()

	for _, r := range rooms {
		h.leave(cl, r)
	}

	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()

	if err := h.presence.SetOffline(context.Background(), cl.userID); err != nil {
		logger.Warn("failed to clear presence", zap.String("user_id", cl.userID), zap.Error(err))
	}
}

// handleFrame dispatches one inbound frame from a client
func (h *Hub) handleFrame(ctx context.Context, cl *client, frame *transport.Frame) {
	switch frame.Type {
	case transport.FrameJoin:
		h.join(cl, frame.ConversationID)

	case transport.FrameLeave:
		h.leave(cl, frame.ConversationID)

	case transport.FramePing:
		cl.reply(&transport.Frame{Type: transport.FramePong, Timestamp: frame.Timestamp})

	case transport.FrameTyping:
		if err := h.presence.SetTyping(ctx, frame.ConversationID, cl.userID, frame.Typing); err != nil {
			logger.Warn("failed to set typing flag", zap.Error(err))
		}
		h.broadcast(frame.ConversationID, &transport.Frame{
			Type:           transport.FrameTyping,
			ConversationID: frame.ConversationID,
			SenderID:       cl.userID,
			Typing:         frame.Typing,
		})

	case transport.FrameMessage:
		// Persist through the document store, then ack and broadcast. The
		// ack only goes out after the write: an acked message is durable.
		msg, err := cl.sess.Chats.Send(ctx, conversation.SendInput{
			ConversationID: frame.ConversationID,
			SenderID:       cl.userID,
			Plaintext:      frame.Plaintext,
			Type:           frame.MessageType,
			Metadata:       frame.Metadata,
		})
		if err != nil {
			logger.Warn("realtime send failed",
				zap.String("conversation_id", frame.ConversationID),
				zap.String("user_id", cl.userID),
				zap.Error(err),
			)
			return
		}

		cl.reply(&transport.Frame{Type: transport.FrameAck, ID: frame.ID})
		h.broadcast(frame.ConversationID, &transport.Frame{
			Type:           transport.FrameMessage,
			ID:             msg.ID,
			ConversationID: frame.ConversationID,
			SenderID:       cl.userID,
			MessageType:    msg.Type,
			Timestamp:      msg.Timestamp,
		})
	}
}

func (cl *client) reply(frame *transport.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case cl.send <- raw:
	default:
	}
}

func (cl *client) readPump() {
	defer func() {
		cl.hub.disconnect(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame transport.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		cl.hub.handleFrame(context.Background(), cl, &frame)
	}
}

func (cl *client) writePump() {
	for raw := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	// Hub closed the channel: say goodbye properly
	cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	cl.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
