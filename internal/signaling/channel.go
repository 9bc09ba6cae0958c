package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"radiolive/internal/config"
)

// ConnectionState tracks the lifecycle of the underlying socket. Transitions
// are driven by transport events, never polled.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Event is delivered to subscribers. Message is set for inbound message
// events, Err for error events.
type Event struct {
	Type    string
	Message *Message
	Err     error
}

type Handler func(Event)

// Channel maintains a single logical control connection per station. It
// survives transient network failure via bounded reconnection and fans out
// typed events to registered subscribers.
type Channel struct {
	cfg    *config.Config
	dialer Dialer
	log    logging.LeveledLogger
	meter  metric.Meter

	reconnectCounter metric.Int64Counter
	sentCounter      metric.Int64Counter
	receivedCounter  metric.Int64Counter

	mu             sync.Mutex
	state          ConnectionState
	sock           Socket
	attempts       int
	stationID      string
	authToken      string
	gen            uint64
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	subMu  sync.Mutex
	subs   map[string]map[int]Handler
	nextID int
}

func NewChannel(cfg *config.Config, dialer Dialer) *Channel {
	factory := logging.NewDefaultLoggerFactory()

	meter := otel.Meter("signaling-channel")
	reconnects, _ := meter.Int64Counter("signaling.reconnects_total", metric.WithDescription("Total number of reconnect attempts"))
	sent, _ := meter.Int64Counter("signaling.messages_sent_total", metric.WithDescription("Total number of messages sent"))
	received, _ := meter.Int64Counter("signaling.messages_received_total", metric.WithDescription("Total number of messages received"))

	return &Channel{
		cfg:              cfg,
		dialer:           dialer,
		log:              factory.NewLogger("signaling"),
		meter:            meter,
		reconnectCounter: reconnects,
		sentCounter:      sent,
		receivedCounter:  received,
		subs:             make(map[string]map[int]Handler),
	}
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnect attempts consumed from the
// current retry budget.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Subscribe registers a handler for the given event type (a lifecycle event
// or an inbound message type) and returns its unsubscribe function.
func (c *Channel) Subscribe(event string, h Handler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]Handler)
	}
	id := c.nextID
	c.nextID++
	c.subs[event][id] = h
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs[event], id)
	}
}

func (c *Channel) emit(ev Event) {
	c.subMu.Lock()
	handlers := make([]Handler, 0, len(c.subs[ev.Type]))
	for _, h := range c.subs[ev.Type] {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Connect requests a connection for the given station. It returns true when
// the intent is accepted, including the no-op case where a connection is
// already live or in flight. At most one underlying socket exists at a time.
func (c *Channel) Connect(stationID, authToken string) bool {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return true
	}
	c.state = StateConnecting
	c.stationID = stationID
	c.authToken = authToken
	gen := c.gen
	c.mu.Unlock()

	go c.dial(gen)
	return true
}

func (c *Channel) dial(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	stationID := c.stationID
	authToken := c.authToken
	c.reconnectTimer = nil
	c.mu.Unlock()

	endpoint, err := url.Parse(c.cfg.SignalingURL)
	if err != nil {
		c.log.Errorf("invalid signaling URL %q: %v", c.cfg.SignalingURL, err)
		c.emit(Event{Type: EventError, Err: err})
		c.scheduleReconnect(gen)
		return
	}
	query := endpoint.Query()
	query.Set("stationId", stationID)
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sock, err := c.dialer(ctx, endpoint.String(), header)
	cancel()
	if err != nil {
		c.log.Warnf("dial failed: %v", err)
		c.emit(Event{Type: EventError, Err: err})
		c.scheduleReconnect(gen)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		sock.Close(true)
		return
	}
	c.sock = sock
	c.state = StateConnected
	c.attempts = 0
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.log.Infof("connected to %s", c.cfg.SignalingURL)
	c.emit(Event{Type: EventConnected})

	go c.heartbeatLoop(stop)
	go c.readLoop(sock, gen)
}

func (c *Channel) readLoop(sock Socket, gen uint64) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.handleClose(sock, gen, err)
			return
		}
		c.receivedCounter.Add(context.Background(), 1)
		c.dispatch(data)
	}
}

func (c *Channel) handleClose(sock Socket, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.sock != sock {
		// Already torn down by Disconnect; this loop is stale.
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.stopHeartbeatLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.emit(Event{Type: EventDisconnected})

	if errors.Is(err, ErrNormalClosure) {
		c.log.Infof("connection closed")
		return
	}

	c.log.Warnf("connection lost: %v", err)
	c.emit(Event{Type: EventError, Err: err})
	c.scheduleReconnect(gen)
}

func (c *Channel) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Errorf("reconnect budget exhausted after %d attempts", c.cfg.MaxReconnectAttempts)
		c.emit(Event{Type: EventReconnectFailed})
		return
	}
	c.attempts++
	attempt := c.attempts
	c.state = StateConnecting
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.dial(gen)
	})
	c.mu.Unlock()

	c.reconnectCounter.Add(context.Background(), 1)
	c.log.Infof("reconnect attempt %d/%d in %s", attempt, c.cfg.MaxReconnectAttempts, c.cfg.ReconnectInterval)
}

// Send marshals a message and writes it to the socket. It returns false when
// the channel is not connected or the write fails; delivery is best effort.
func (c *Channel) Send(msgType string, payload interface{}, stationID ...string) bool {
	c.mu.Lock()
	sock := c.sock
	connected := c.state == StateConnected
	sid := c.stationID
	c.mu.Unlock()

	if !connected || sock == nil {
		return false
	}
	if len(stationID) > 0 && stationID[0] != "" {
		sid = stationID[0]
	}

	msg, err := newMessage(msgType, payload, sid)
	if err != nil {
		c.log.Errorf("failed to marshal %s payload: %v", msgType, err)
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Errorf("failed to marshal %s message: %v", msgType, err)
		return false
	}
	if err := sock.WriteMessage(data); err != nil {
		c.log.Warnf("write failed for %s: %v", msgType, err)
		return false
	}
	c.sentCounter.Add(context.Background(), 1)
	return true
}

// Disconnect cancels any pending reconnect and the heartbeat, closes the
// socket with a normal status and resets the retry budget. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	sock := c.sock
	c.sock = nil
	wasActive := sock != nil || c.state != StateDisconnected
	if sock != nil {
		c.state = StateClosing
	}
	c.attempts = 0
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close(true)
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	if wasActive {
		c.emit(Event{Type: EventDisconnected})
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// heartbeatLoop signals liveness to the remote end while connected. There is
// no pong tracking here: the remote or transport layer owns timeout detection.
func (c *Channel) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Send(TypeHeartbeat, nil)
		case <-stop:
			return
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warnf("dropping malformed message: %v", err)
		return
	}
	switch msg.Type {
	case TypeListenerCount, TypeChatMessage, TypeStreamStatus, TypeUserJoined, TypeUserLeft,
		TypeAnswer, TypeICECandidate:
		c.emit(Event{Type: msg.Type, Message: &msg})
	default:
		c.log.Debugf("dropping unrecognized message type %q", msg.Type)
	}
}

// DJ-facing convenience operations. Each builds a message of the appropriate
// type and calls Send, keeping no additional state.

func (c *Channel) GoLive(metadata interface{}) bool {
	return c.Send(TypeGoLive, metadata)
}

func (c *Channel) StopStream() bool {
	return c.Send(TypeStopStream, nil)
}

func (c *Channel) SendChatMessage(text string) bool {
	return c.Send(TypeChatMessage, map[string]string{"message": text})
}

func (c *Channel) UpdateStreamMetadata(metadata interface{}) bool {
	return c.Send(TypeStreamMetadata, metadata)
}

func (c *Channel) UpdateDJStatus(status string) bool {
	return c.Send(TypeDJStatus, map[string]string{"status": status})
}

func (c *Channel) RequestListenerStats() bool {
	return c.Send(TypeGetListenerStats, nil)
}
