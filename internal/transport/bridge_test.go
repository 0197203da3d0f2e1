package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/conversation"
	"cipherchat/internal/domain"
	apperrors "cipherchat/pkg/errors"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []conversation.SendInput
	fail  bool
}

func (f *fakeSender) Send(ctx context.Context, in conversation.SendInput) (*domain.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, apperrors.InternalError("store down")
	}
	f.sent = append(f.sent, in)
	return &domain.StoredMessage{ID: "stored"}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// chatServer is a minimal realtime far end for bridge tests
type chatServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	frames   []Frame
	ack      bool
	closeNow bool // send a server close on the next message
}

func newChatServer(t *testing.T, ack bool) *chatServer {
	t.Helper()
	s := &chatServer{ack: ack}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			s.mu.Lock()
			s.frames = append(s.frames, frame)
			sendAck := s.ack && frame.Type == FrameMessage
			closeNow := s.closeNow
			s.mu.Unlock()

			if closeNow {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				conn.Close()
				return
			}
			if frame.Type == FramePing {
				pong, _ := json.Marshal(Frame{Type: FramePong, Timestamp: frame.Timestamp})
				conn.WriteMessage(websocket.TextMessage, pong)
				continue
			}
			if sendAck {
				ackFrame, _ := json.Marshal(Frame{Type: FrameAck, ID: frame.ID})
				conn.WriteMessage(websocket.TextMessage, ackFrame)
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *chatServer) received(frameType string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// dropConnections kills every live connection without a close frame
func (s *chatServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.UnderlyingConn().Close()
	}
	s.conns = nil
}

func waitForState(t *testing.T, b *Bridge, state string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if b.State() == state {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("bridge never reached %s (stuck at %s)", state, b.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartWithoutEndpointGoesToFallback(t *testing.T) {
	sender := &fakeSender{}
	b := NewBridge(Config{UserID: "alice"}, sender)
	b.Start(context.Background())
	defer b.Close()

	assert.Equal(t, StateFallbackMode, b.State())

	require.NoError(t, b.SendMessage(context.Background(), "c1", "hi", domain.MessageText, nil))
	assert.Equal(t, 1, sender.count())
}

func TestStartWithoutIdentityGoesToFallback(t *testing.T) {
	b := NewBridge(Config{Endpoint: "ws://localhost:1"}, &fakeSender{})
	b.Start(context.Background())
	defer b.Close()
	assert.Equal(t, StateFallbackMode, b.State())
}

func TestConnectAndAcknowledgedSend(t *testing.T) {
	server := newChatServer(t, true)
	b := NewBridge(Config{
		Endpoint:   server.wsURL(),
		Token:      "tok",
		UserID:     "alice",
		AckTimeout: time.Second,
	}, &fakeSender{})
	b.Start(context.Background())
	defer b.Close()

	waitForState(t, b, StateConnected)

	require.NoError(t, b.SendMessage(context.Background(), "c1", "hello", domain.MessageText, nil))
	assert.Zero(t, b.QueueLength())

	frames := server.received(FrameMessage)
	require.Len(t, frames, 1)
	assert.Equal(t, "c1", frames[0].ConversationID)
	assert.Equal(t, "alice", frames[0].SenderID)
}

func TestAckTimeoutRequeues(t *testing.T) {
	server := newChatServer(t, false) // never acks
	b := NewBridge(Config{
		Endpoint:   server.wsURL(),
		Token:      "tok",
		UserID:     "alice",
		AckTimeout: 50 * time.Millisecond,
	}, &fakeSender{})
	b.Start(context.Background())
	defer b.Close()

	waitForState(t, b, StateConnected)

	err := b.SendMessage(context.Background(), "c1", "hello", domain.MessageText, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSendTimeout))
	assert.Equal(t, 1, b.QueueLength())
}

func TestServerCloseEntersFallbackAndDrains(t *testing.T) {
	server := newChatServer(t, false)
	sender := &fakeSender{}
	b := NewBridge(Config{
		Endpoint:   server.wsURL(),
		Token:      "tok",
		UserID:     "alice",
		AckTimeout: 50 * time.Millisecond,
	}, sender)
	b.Start(context.Background())
	defer b.Close()

	waitForState(t, b, StateConnected)

	// Queue one unacknowledged message, then have the server hang up
	_ = b.SendMessage(context.Background(), "c1", "pending", domain.MessageText, nil)
	require.Equal(t, 1, b.QueueLength())

	server.mu.Lock()
	server.closeNow = true
	server.mu.Unlock()
	// Trigger a read on the server so it sends the close frame
	b.SetTyping("c1", true)

	waitForState(t, b, StateFallbackMode)

	// Queued message replayed through the document store
	deadline := time.After(2 * time.Second)
	for sender.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("queued message never reached the fallback sender")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, "pending", sender.sent[0].Plaintext)
}

func TestTransportDropReconnects(t *testing.T) {
	server := newChatServer(t, true)
	b := NewBridge(Config{
		Endpoint:   server.wsURL(),
		Token:      "tok",
		UserID:     "alice",
		AckTimeout: time.Second,
	}, &fakeSender{})
	b.Start(context.Background())
	defer b.Close()

	waitForState(t, b, StateConnected)
	b.JoinRoom("c1")

	// Make sure the server has read the initial join before the drop so it
	// isn't lost in the socket buffer when the connection dies
	joinDeadline := time.After(2 * time.Second)
	for len(server.received(FrameJoin)) == 0 {
		select {
		case <-joinDeadline:
			t.Fatal("initial join never reached the server")
		case <-time.After(10 * time.Millisecond):
		}
	}

	server.dropConnections()

	// A transport drop never demotes to fallback; the bridge comes back
	waitForState(t, b, StateConnected)
	assert.NotEqual(t, StateFallbackMode, b.State())

	// Rooms re-joined on the fresh connection
	deadline := time.After(2 * time.Second)
	for len(server.received(FrameJoin)) < 2 {
		select {
		case <-deadline:
			t.Fatal("room not re-joined after reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueueWhileConnectingFlushesOnConnect(t *testing.T) {
	server := newChatServer(t, true)
	b := NewBridge(Config{
		Endpoint:   server.wsURL(),
		Token:      "tok",
		UserID:     "alice",
		AckTimeout: time.Second,
	}, &fakeSender{})

	// Queue before Start: the bridge is not connected yet
	require.NoError(t, b.SendMessage(context.Background(), "c1", "early", domain.MessageText, nil))
	assert.Equal(t, 1, b.QueueLength())

	b.Start(context.Background())
	defer b.Close()
	waitForState(t, b, StateConnected)

	deadline := time.After(2 * time.Second)
	for len(server.received(FrameMessage)) == 0 {
		select {
		case <-deadline:
			t.Fatal("queued message never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Zero(t, b.QueueLength())
}

func TestBroadcastFramesReachHandler(t *testing.T) {
	server := newChatServer(t, true)
	received := make(chan Frame, 1)

	b := NewBridge(Config{
		Endpoint: server.wsURL(),
		Token:    "tok",
		UserID:   "alice",
	}, &fakeSender{})
	b.OnFrame(func(f Frame) {
		select {
		case received <- f:
		default:
		}
	})
	b.Start(context.Background())
	defer b.Close()
	waitForState(t, b, StateConnected)

	// Push a broadcast from the server side
	server.mu.Lock()
	conn := server.conns[0]
	server.mu.Unlock()
	raw, _ := json.Marshal(Frame{Type: FrameMessage, ConversationID: "c1", SenderID: "bob", Plaintext: "hey"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	select {
	case f := <-received:
		assert.Equal(t, "bob", f.SenderID)
		assert.Equal(t, "hey", f.Plaintext)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the handler")
	}
}
