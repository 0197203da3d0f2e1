// Package transport maintains the realtime channel to the chat server and
// falls back to the document-store path when no realtime server is
// reachable.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cipherchat/internal/conversation"
	"cipherchat/internal/domain"
	apperrors "cipherchat/pkg/errors"
	"cipherchat/pkg/logger"
	"cipherchat/pkg/metrics"
	"cipherchat/pkg/retry"
)

// Bridge states
const (
	StateUninitialized = "uninitialized"
	StateConnecting    = "connecting"
	StateConnected     = "connected"
	StateReconnecting  = "reconnecting"
	StateFallbackMode  = "fallback"
)

var stateGauge = map[string]float64{
	StateUninitialized: 0,
	StateConnecting:    1,
	StateConnected:     2,
	StateReconnecting:  3,
	StateFallbackMode:  4,
}

// Frame types on the realtime channel
const (
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameTyping  = "typing"
	FramePing    = "ping"
	FramePong    = "pong"
)

// Frame is one realtime envelope
type Frame struct {
	Type           string         `json:"type"`
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SenderID       string         `json:"sender_id,omitempty"`
	Plaintext      string         `json:"plaintext,omitempty"`
	MessageType    string         `json:"message_type,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Typing         bool           `json:"typing,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
}

// Defaults for the delivery-related timers
const (
	DefaultAckTimeout   = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Sender is the document-store send path used in fallback mode
type Sender interface {
	Send(ctx context.Context, in conversation.SendInput) (*domain.StoredMessage, error)
}

// Config carries the bridge wiring.
//
// An empty Endpoint or UserID is not an error: the bridge starts directly
// in fallback mode and every send rides the document store.
type Config struct {
	Endpoint     string
	Token        string
	UserID       string
	AckTimeout   time.Duration
	PingInterval time.Duration
}

// Bridge runs the realtime state machine:
//
//	Uninitialized → Connecting → Connected ⇄ Reconnecting → FallbackMode
//
// Transport drops reconnect forever with jittered backoff; only a
// server-initiated close demotes the bridge to fallback mode. Outbound
// sends queue while not connected and are replayed through the fallback
// sender once the bridge gives up on the realtime channel.
type Bridge struct {
	cfg      Config
	fallback Sender

	// dial is swappable for tests
	dial func(ctx context.Context) (*websocket.Conn, error)

	mu      sync.Mutex
	state   string
	conn    *websocket.Conn
	queue   []*Frame
	acks    map[string]chan struct{}
	rooms   map[string]struct{}
	onFrame func(Frame)
	onState func(string)

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewBridge creates a bridge in the Uninitialized state
func NewBridge(cfg Config, fallback Sender) *Bridge {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	b := &Bridge{
		cfg:      cfg,
		fallback: fallback,
		state:    StateUninitialized,
		acks:     make(map[string]chan struct{}),
		rooms:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	b.dial = b.dialWebsocket
	return b
}

// OnFrame registers the receive callback for broadcast frames. Must be set
// before Start.
func (b *Bridge) OnFrame(fn func(Frame)) {
	b.mu.Lock()
	b.onFrame = fn
	b.mu.Unlock()
}

// OnStateChange registers a state transition callback. Must be set before
// Start.
func (b *Bridge) OnStateChange(fn func(string)) {
	b.mu.Lock()
	b.onState = fn
	b.mu.Unlock()
}

// State returns the current state
func (b *Bridge) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start brings the bridge up. With no endpoint configured or no
// authenticated identity it settles straight into fallback mode.
func (b *Bridge) Start(ctx context.Context) {
	if b.cfg.Endpoint == "" || b.cfg.UserID == "" {
		b.setState(StateFallbackMode)
		return
	}

	b.setState(StateConnecting)
	b.wg.Add(1)
	go b.run(ctx)
}

// Close stops all background work. Queued frames are drained through the
// fallback sender before shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	close(b.done)
	if conn != nil {
		conn.Close()
	}
	b.wg.Wait()

	b.drainQueueToFallback(context.Background())
}

// JoinRoom subscribes to a conversation's broadcast stream. Rooms re-join
// automatically after every reconnect.
func (b *Bridge) JoinRoom(convID string) {
	b.mu.Lock()
	b.rooms[convID] = struct{}{}
	conn := b.conn
	connected := b.state == StateConnected
	b.mu.Unlock()

	if connected {
		b.writeFrame(conn, &Frame{Type: FrameJoin, ConversationID: convID})
	}
}

// LeaveRoom unsubscribes from a conversation
func (b *Bridge) LeaveRoom(convID string) {
	b.mu.Lock()
	delete(b.rooms, convID)
	conn := b.conn
	connected := b.state == StateConnected
	b.mu.Unlock()

	if connected {
		b.writeFrame(conn, &Frame{Type: FrameLeave, ConversationID: convID})
	}
}

// SetTyping publishes a typing indicator. Best effort, never queued.
func (b *Bridge) SetTyping(convID string, typing bool) {
	b.mu.Lock()
	conn := b.conn
	connected := b.state == StateConnected
	b.mu.Unlock()

	if connected {
		b.writeFrame(conn, &Frame{
			Type:           FrameTyping,
			ConversationID: convID,
			SenderID:       b.cfg.UserID,
			Typing:         typing,
		})
	}
}

// SendMessage delivers one message. Over the realtime channel it waits for
// the server acknowledgement up to the ack timeout; an unacknowledged or
// unconnected send is queued and eventually replayed through the fallback
// sender rather than dropped.
func (b *Bridge) SendMessage(ctx context.Context, convID, plaintext, msgType string, metadata map[string]any) error {
	frame := &Frame{
		Type:           FrameMessage,
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       b.cfg.UserID,
		Plaintext:      plaintext,
		MessageType:    msgType,
		Metadata:       metadata,
		Timestamp:      time.Now().UTC(),
	}

	b.mu.Lock()
	state := b.state
	conn := b.conn
	b.mu.Unlock()

	switch state {
	case StateConnected:
		if b.sendWithAck(ctx, conn, frame) {
			return nil
		}
		// Ack timed out; the realtime channel may have eaten it, the
		// fallback path guarantees persistence
		logger.Warn("realtime send not acknowledged, requeueing",
			zap.String("conversation_id", convID),
			zap.String("frame_id", frame.ID),
		)
		b.enqueue(frame)
		return apperrors.SendTimeoutError("message queued for fallback delivery")

	case StateFallbackMode:
		return b.sendFallback(ctx, frame)

	default:
		b.enqueue(frame)
		return nil
	}
}

// QueueLength reports the number of frames waiting for delivery
func (b *Bridge) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()

	attempt := 0
	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := b.dial(ctx)
		if err != nil {
			attempt++
			b.setState(StateReconnecting)
			metrics.TransportReconnectTotal.Inc()

			delay := retry.Reconnect.NextDelay(attempt)
			logger.Warn("realtime connect failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			select {
			case <-time.After(delay):
				continue
			case <-b.done:
				return
			case <-ctx.Done():
				return
			}
		}
		attempt = 0

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.setState(StateConnected)

		b.rejoinRooms(conn)
		b.flushQueue(ctx, conn)

		serverClosed := b.readLoop(ctx, conn)

		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()

		select {
		case <-b.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if serverClosed {
			// The far end told us to stop trying this channel
			b.setState(StateFallbackMode)
			b.drainQueueToFallback(ctx)
			return
		}
		b.setState(StateReconnecting)
		metrics.TransportReconnectTotal.Inc()
	}
}

// readLoop pumps inbound frames until the connection drops. Returns true
// when the server closed the connection deliberately.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	pingStop := make(chan struct{})
	b.wg.Add(1)
	go b.pingLoop(conn, pingStop)
	defer func() {
		close(pingStop)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.ClosePolicyViolation,
			)
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn("dropping malformed realtime frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case FrameAck:
			b.resolveAck(frame.ID)
		case FramePong:
			// Latency only; a missed pong never forces a reconnect
			if !frame.Timestamp.IsZero() {
				metrics.TransportPingLatency.Observe(time.Since(frame.Timestamp).Seconds())
			}
		default:
			b.mu.Lock()
			fn := b.onFrame
			b.mu.Unlock()
			if fn != nil {
				fn(frame)
			}
		}
	}
}

func (b *Bridge) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer b.wg.Done()
	tick := time.NewTicker(b.cfg.PingInterval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-b.done:
			return
		case <-tick.C:
			b.writeFrame(conn, &Frame{Type: FramePing, Timestamp: time.Now().UTC()})
		}
	}
}

// sendWithAck writes the frame and waits for the matching ack
func (b *Bridge) sendWithAck(ctx context.Context, conn *websocket.Conn, frame *Frame) bool {
	ack := make(chan struct{})
	b.mu.Lock()
	b.acks[frame.ID] = ack
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.acks, frame.ID)
		b.mu.Unlock()
	}()

	if err := b.writeFrame(conn, frame); err != nil {
		return false
	}

	select {
	case <-ack:
		return true
	case <-time.After(b.cfg.AckTimeout):
		return false
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	}
}

func (b *Bridge) resolveAck(id string) {
	b.mu.Lock()
	ack, ok := b.acks[id]
	if ok {
		delete(b.acks, id)
	}
	b.mu.Unlock()
	if ok {
		close(ack)
	}
}

func (b *Bridge) writeFrame(conn *websocket.Conn, frame *Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	// gorilla connections allow one concurrent writer
	b.mu.Lock()
	defer b.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (b *Bridge) rejoinRooms(conn *websocket.Conn) {
	b.mu.Lock()
	rooms := make([]string, 0, len(b.rooms))
	for r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.Unlock()

	for _, r := range rooms {
		b.writeFrame(conn, &Frame{Type: FrameJoin, ConversationID: r})
	}
}

func (b *Bridge) enqueue(frame *Frame) {
	b.mu.Lock()
	b.queue = append(b.queue, frame)
	n := len(b.queue)
	b.mu.Unlock()
	metrics.TransportQueueLength.Set(float64(n))
}

// flushQueue replays queued frames over a fresh connection
func (b *Bridge) flushQueue(ctx context.Context, conn *websocket.Conn) {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()
	metrics.TransportQueueLength.Set(0)

	for _, frame := range pending {
		if !b.sendWithAck(ctx, conn, frame) {
			b.enqueue(frame)
		}
	}
}

// drainQueueToFallback replays queued frames through the document store
func (b *Bridge) drainQueueToFallback(ctx context.Context) {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()
	metrics.TransportQueueLength.Set(0)

	for _, frame := range pending {
		if err := b.sendFallback(ctx, frame); err != nil {
			logger.Error("fallback replay failed",
				zap.String("conversation_id", frame.ConversationID),
				zap.String("frame_id", frame.ID),
				zap.Error(err),
			)
		}
	}
}

func (b *Bridge) sendFallback(ctx context.Context, frame *Frame) error {
	if b.fallback == nil {
		return apperrors.InternalError("no fallback sender configured")
	}
	_, err := b.fallback.Send(ctx, conversation.SendInput{
		ConversationID: frame.ConversationID,
		SenderID:       frame.SenderID,
		Plaintext:      frame.Plaintext,
		Type:           frame.MessageType,
		Metadata:       frame.Metadata,
	})
	if err != nil {
		metrics.TransportFallbackSendTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.TransportFallbackSendTotal.WithLabelValues("ok").Inc()
	return nil
}

func (b *Bridge) dialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, b.cfg.Endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (b *Bridge) setState(state string) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()
		return
	}
	b.state = state
	fn := b.onState
	b.mu.Unlock()

	metrics.TransportState.Set(stateGauge[state])
	logger.Info("transport state changed", zap.String("state", state))
	if fn != nil {
		fn(state)
	}
}
