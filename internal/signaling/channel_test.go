package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"radiolive/internal/config"
)

type fakeSocket struct {
	mu          sync.Mutex
	writes      chan []byte
	inbound     chan []byte
	readErr     chan error
	closeCalls  int
	closeNormal bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		writes:  make(chan []byte, 16),
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 2),
	}
}

func (f *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case err := <-f.readErr:
		return nil, err
	}
}

func (f *fakeSocket) WriteMessage(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case f.writes <- cp:
	default:
	}
	return nil
}

func (f *fakeSocket) Close(normal bool) error {
	f.mu.Lock()
	f.closeCalls++
	f.closeNormal = normal
	f.mu.Unlock()
	select {
	case f.readErr <- ErrNormalClosure:
	default:
	}
	return nil
}

func (f *fakeSocket) closedWith() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.closeNormal
}

func testConfig() *config.Config {
	return &config.Config{
		SignalingURL:         "ws://127.0.0.1:8080/ws",
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour,
	}
}

func subscribe(c *Channel, event string) <-chan Event {
	ch := make(chan Event, 16)
	c.Subscribe(event, func(ev Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event, want string) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", want)
		return Event{}
	}
}

func waitWrite(t *testing.T, sock *fakeSocket) Message {
	t.Helper()
	select {
	case data := <-sock.writes:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("written frame is not valid JSON: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a write")
		return Message{}
	}
}

func TestConnectEmitsConnected(t *testing.T) {
	sock := newFakeSocket()
	var dials int32
	dialer := func(ctx context.Context, url string, header http.Header) (Socket, error) {
		atomic.AddInt32(&dials, 1)
		if got := header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization header = %q, want %q", got, "Bearer token-1")
		}
		return sock, nil
	}

	c := NewChannel(testConfig(), dialer)
	connected := subscribe(c, EventConnected)

	if !c.Connect("station-1", "token-1") {
		t.Fatal("Connect returned false")
	}
	waitEvent(t, connected, EventConnected)

	if got := c.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}

	// A second Connect while live is a no-op, not a second socket.
	if !c.Connect("station-1", "token-1") {
		t.Fatal("second Connect returned false")
	}
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}

	c.Disconnect()
}

func TestSendRequiresConnection(t *testing.T) {
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		return nil, errors.New("unreachable")
	})

	if c.Send(TypeGoLive, nil) {
		t.Error("Send succeeded while disconnected")
	}
	if c.GoLive(nil) {
		t.Error("GoLive succeeded while disconnected")
	}
}

func TestSendWritesEnvelope(t *testing.T) {
	sock := newFakeSocket()
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		return sock, nil
	})
	connected := subscribe(c, EventConnected)
	c.Connect("station-1", "token-1")
	waitEvent(t, connected, EventConnected)
	defer c.Disconnect()

	if !c.SendChatMessage("hello") {
		t.Fatal("SendChatMessage returned false")
	}
	msg := waitWrite(t, sock)
	if msg.Type != TypeChatMessage {
		t.Errorf("type = %q, want %q", msg.Type, TypeChatMessage)
	}
	if msg.StationID != "station-1" {
		t.Errorf("stationId = %q, want %q", msg.StationID, "station-1")
	}
	if msg.Timestamp == "" {
		t.Error("timestamp is empty")
	}
	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload["message"] != "hello" {
		t.Errorf("payload message = %q, want %q", payload["message"], "hello")
	}
}

func TestDJOperations(t *testing.T) {
	sock := newFakeSocket()
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		return sock, nil
	})
	connected := subscribe(c, EventConnected)
	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)
	defer c.Disconnect()

	tests := []struct {
		name     string
		send     func() bool
		wantType string
	}{
		{"go live", func() bool { return c.GoLive(map[string]string{"title": "morning show"}) }, TypeGoLive},
		{"stop stream", c.StopStream, TypeStopStream},
		{"metadata", func() bool { return c.UpdateStreamMetadata(map[string]string{"title": "t"}) }, TypeStreamMetadata},
		{"dj status", func() bool { return c.UpdateDJStatus("on-air") }, TypeDJStatus},
		{"listener stats", c.RequestListenerStats, TypeGetListenerStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.send() {
				t.Fatal("send returned false")
			}
			msg := waitWrite(t, sock)
			if msg.Type != tt.wantType {
				t.Errorf("type = %q, want %q", msg.Type, tt.wantType)
			}
		})
	}
}

func TestDispatchInboundMessages(t *testing.T) {
	sock := newFakeSocket()
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		return sock, nil
	})
	connected := subscribe(c, EventConnected)
	counts := subscribe(c, TypeListenerCount)
	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)
	defer c.Disconnect()

	sock.inbound <- []byte(`{"type":"listener_count","payload":{"listeners":42,"peak":100}}`)
	ev := waitEvent(t, counts, TypeListenerCount)
	stats, err := ev.Message.DecodeListenerStats()
	if err != nil {
		t.Fatalf("DecodeListenerStats: %v", err)
	}
	if stats.Listeners != 42 || stats.Peak != 100 {
		t.Errorf("stats = %+v, want listeners 42 peak 100", stats)
	}

	// Unknown types are dropped without reaching subscribers.
	sock.inbound <- []byte(`{"type":"totally_unknown"}`)
	sock.inbound <- []byte(`{"type":"listener_count","payload":{"listeners":1}}`)
	ev = waitEvent(t, counts, TypeListenerCount)
	stats, err = ev.Message.DecodeListenerStats()
	if err != nil {
		t.Fatalf("DecodeListenerStats: %v", err)
	}
	if stats.Listeners != 1 {
		t.Errorf("listeners = %d, want 1", stats.Listeners)
	}
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	var dials int32
	sock := newFakeSocket()
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		atomic.AddInt32(&dials, 1)
		return sock, nil
	})
	connected := subscribe(c, EventConnected)
	disconnected := subscribe(c, EventDisconnected)
	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)

	sock.readErr <- ErrNormalClosure
	waitEvent(t, disconnected, EventDisconnected)

	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dial count after clean close = %d, want 1", got)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	first := newFakeSocket()
	second := newFakeSocket()
	var dials int32
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return first, nil
		}
		return second, nil
	})
	connected := subscribe(c, EventConnected)
	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)

	first.readErr <- errors.New("connection reset")
	waitEvent(t, connected, EventConnected)

	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
	// A successful open restores the full retry budget.
	if got := c.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d, want 0", got)
	}

	c.Disconnect()
}

func TestReconnectBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3

	var dials int32
	c := NewChannel(cfg, func(ctx context.Context, url string, header http.Header) (Socket, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	})
	failed := subscribe(c, EventReconnectFailed)
	errs := subscribe(c, EventError)

	c.Connect("station-1", "")
	waitEvent(t, failed, EventReconnectFailed)

	// One initial dial plus the full retry budget, then give up.
	if got := atomic.LoadInt32(&dials); got != 4 {
		t.Errorf("dial count = %d, want 4", got)
	}
	for i := 0; i < 4; i++ {
		ev := waitEvent(t, errs, EventError)
		if ev.Err == nil {
			t.Error("error event carries no error")
		}
	}

	// Exhaustion is reported exactly once.
	select {
	case <-failed:
		t.Error("reconnectFailed emitted more than once")
	case <-time.After(50 * time.Millisecond):
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestReconnectExhaustionThenFreshConnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 5

	first := newFakeSocket()
	second := newFakeSocket()
	var dials int32
	c := NewChannel(cfg, func(ctx context.Context, url string, header http.Header) (Socket, error) {
		switch atomic.AddInt32(&dials, 1) {
		case 1:
			return first, nil
		case 7:
			return second, nil
		default:
			return nil, errors.New("connection refused")
		}
	})
	connected := subscribe(c, EventConnected)
	failed := subscribe(c, EventReconnectFailed)

	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)

	// An abnormal close burns through the full retry budget, then gives up.
	first.readErr <- errors.New("connection reset")
	waitEvent(t, failed, EventReconnectFailed)
	if got := atomic.LoadInt32(&dials); got != 6 {
		t.Errorf("dial count = %d, want 6", got)
	}

	// A fresh Connect gets a fresh budget.
	if !c.Connect("station-1", "") {
		t.Fatal("Connect after exhaustion returned false")
	}
	waitEvent(t, connected, EventConnected)
	if got := c.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d, want 0", got)
	}

	c.Disconnect()
}

func TestDisconnectIdempotent(t *testing.T) {
	sock := newFakeSocket()
	var dials int32
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		atomic.AddInt32(&dials, 1)
		return sock, nil
	})
	connected := subscribe(c, EventConnected)
	disconnected := subscribe(c, EventDisconnected)
	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)

	c.Disconnect()
	waitEvent(t, disconnected, EventDisconnected)
	c.Disconnect()

	calls, normal := sock.closedWith()
	if calls != 1 {
		t.Errorf("socket close calls = %d, want 1", calls)
	}
	if !normal {
		t.Error("socket was not closed with a normal status")
	}

	// No reconnect and no second disconnected event.
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
	select {
	case <-disconnected:
		t.Error("disconnected emitted twice")
	default:
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectInterval = 50 * time.Millisecond

	var dials int32
	c := NewChannel(cfg, func(ctx context.Context, url string, header http.Header) (Socket, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	})
	errs := subscribe(c, EventError)
	c.Connect("station-1", "")
	waitEvent(t, errs, EventError)

	c.Disconnect()
	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dial count after Disconnect = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	sock := newFakeSocket()
	c := NewChannel(testConfig(), func(ctx context.Context, url string, header http.Header) (Socket, error) {
		return sock, nil
	})

	got := make(chan Event, 16)
	unsubscribe := c.Subscribe(TypeChatMessage, func(ev Event) { got <- ev })
	kept := subscribe(c, TypeChatMessage)
	connected := subscribe(c, EventConnected)

	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)
	defer c.Disconnect()

	unsubscribe()
	sock.inbound <- []byte(`{"type":"chat_message","payload":{"message":"hi"}}`)
	waitEvent(t, kept, TypeChatMessage)

	select {
	case <-got:
		t.Error("handler fired after unsubscribe")
	default:
	}
}

func TestHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	sock := newFakeSocket()
	c := NewChannel(cfg, func(ctx context.Context, url string, header http.Header) (Socket, error) {
		return sock, nil
	})
	connected := subscribe(c, EventConnected)
	c.Connect("station-1", "")
	waitEvent(t, connected, EventConnected)

	msg := waitWrite(t, sock)
	if msg.Type != TypeHeartbeat {
		t.Errorf("type = %q, want %q", msg.Type, TypeHeartbeat)
	}

	// No heartbeats after teardown.
	c.Disconnect()
	for len(sock.writes) > 0 {
		<-sock.writes
	}
	time.Sleep(50 * time.Millisecond)
	if len(sock.writes) > 0 {
		t.Error("heartbeat written after Disconnect")
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosing, "closing"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
