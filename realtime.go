package parley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Inbound event names.
const (
	eventNewMessage        = "new-message"
	eventMessageRead       = "message-read"
	eventUserTyping        = "user-typing"
	eventUserStoppedTyping = "user-stopped-typing"
	eventUserStatusChanged = "user-status-changed"
)

// Outbound emit names.
const (
	emitJoinConversation  = "join-conversation"
	emitLeaveConversation = "leave-conversation"
	emitTypingStart       = "typing-start"
	emitTypingStop        = "typing-stop"
	emitMarkMessageRead   = "mark-message-read"
)

// RealtimeEnvelope is the wire format for all event-stream frames.
type RealtimeEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// ConnectedPayload is the server's acknowledgment after a successful dial.
type ConnectedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ErrNotConnected is returned by emits while the stream is not connected.
// Ephemeral signals are fire-and-forget; callers are expected to drop them
// rather than queue.
var ErrNotConnected = errors.New("event stream not connected")

// ErrConnectionFailed wraps dial and handshake errors from Connect.
var ErrConnectionFailed = errors.New("connection failed")

// ============================================================================
// Configuration
// ============================================================================

// ReconnectPolicy describes the bounded backoff curve applied between
// reconnection attempts. The zero value is replaced by
// DefaultReconnectPolicy.
type ReconnectPolicy struct {
	MaxAttempts int           // 0 means unlimited
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 10,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay returns the backoff delay for the given zero-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.Jitter {
		d += rand.Float64() * float64(p.BaseDelay) * 0.5
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// RealtimeConfig configures the event-stream client.
type RealtimeConfig struct {
	Token             string
	DisableReconnect  bool
	Reconnect         ReconnectPolicy
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Logger            *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Reconnect == (ReconnectPolicy{}) {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
	StateFailed       RealtimeState = "failed"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(event string, payload json.RawMessage)

// eventDispatcher holds at most one handler per event. Registering replaces
// the previous handler, so reconnect and reload cycles can never stack
// duplicate callbacks.
type eventDispatcher struct {
	mu              sync.RWMutex
	onNewMessage    func(Message)
	onMessageRead   func(ReadReceipt)
	onTyping        func(TypingSignal)
	onStoppedTyping func(TypingSignal)
	onStatusChanged func(StatusChange)
	onStateChange   func(RealtimeState)
	generic         map[string]RealtimeEventHandler
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string]RealtimeEventHandler),
	}
}

// dispatch runs handlers synchronously on the read goroutine so events are
// delivered in arrival order.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	onNewMessage := d.onNewMessage
	onMessageRead := d.onMessageRead
	onTyping := d.onTyping
	onStoppedTyping := d.onStoppedTyping
	onStatusChanged := d.onStatusChanged
	generic := d.generic[env.Event]
	d.mu.RUnlock()

	switch env.Event {
	case eventNewMessage:
		if onNewMessage != nil {
			var m Message
			if json.Unmarshal(env.Payload, &m) == nil {
				onNewMessage(m)
			}
		}
	case eventMessageRead:
		if onMessageRead != nil {
			var r ReadReceipt
			if json.Unmarshal(env.Payload, &r) == nil {
				onMessageRead(r)
			}
		}
	case eventUserTyping:
		if onTyping != nil {
			var t TypingSignal
			if json.Unmarshal(env.Payload, &t) == nil {
				onTyping(t)
			}
		}
	case eventUserStoppedTyping:
		if onStoppedTyping != nil {
			var t TypingSignal
			if json.Unmarshal(env.Payload, &t) == nil {
				onStoppedTyping(t)
			}
		}
	case eventUserStatusChanged:
		if onStatusChanged != nil {
			var s StatusChange
			if json.Unmarshal(env.Payload, &s) == nil {
				onStatusChanged(s)
			}
		}
	}

	if generic != nil {
		generic(env.Event, env.Payload)
	}
}

func (d *eventDispatcher) emitStateChange(state RealtimeState) {
	d.mu.RLock()
	h := d.onStateChange
	d.mu.RUnlock()
	if h != nil {
		h(state)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// stableResetAfter is how long a connection must stay up before the attempt
// counter resets.
const stableResetAfter = 60 * time.Second

type reconnector struct {
	mu          sync.Mutex
	policy      ReconnectPolicy
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.MaxAttempts == 0 || r.attempt < r.policy.MaxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() (attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableResetAfter {
		r.attempt = 0
	}
	delay = r.policy.Delay(r.attempt)
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the persistent event-stream connection with
// auto-reconnect and heartbeat. It owns the transport handle exclusively and
// carries no message data.
type RealtimeClient struct {
	url              string
	config           *RealtimeConfig
	log              zerolog.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	dispatcher       *eventDispatcher
	recon            *reconnector
	pingCounter      int
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewRealtimeClient creates an event-stream client for the given WebSocket
// URL. Call Connect to establish the connection.
func NewRealtimeClient(wsURL string, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	return &RealtimeClient{
		url:          wsURL,
		config:       &cfg,
		log:          log,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        &reconnector{policy: cfg.Reconnect},
		pendingPings: make(map[string]chan PongPayload),
	}
}

// ----------------------------------------------------------------------------
// Handler registration. Each On* replaces the previously registered handler
// for that event; pass nil to clear.
// ----------------------------------------------------------------------------

// OnNewMessage registers the handler for new-message events.
func (rc *RealtimeClient) OnNewMessage(h func(Message)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onNewMessage = h
	rc.dispatcher.mu.Unlock()
}

// OnMessageRead registers the handler for message-read events.
func (rc *RealtimeClient) OnMessageRead(h func(ReadReceipt)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessageRead = h
	rc.dispatcher.mu.Unlock()
}

// OnTyping registers the handler for user-typing events.
func (rc *RealtimeClient) OnTyping(h func(TypingSignal)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onTyping = h
	rc.dispatcher.mu.Unlock()
}

// OnStoppedTyping registers the handler for user-stopped-typing events.
func (rc *RealtimeClient) OnStoppedTyping(h func(TypingSignal)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onStoppedTyping = h
	rc.dispatcher.mu.Unlock()
}

// OnStatusChanged registers the handler for user-status-changed events.
func (rc *RealtimeClient) OnStatusChanged(h func(StatusChange)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onStatusChanged = h
	rc.dispatcher.mu.Unlock()
}

// OnStateChange registers the handler for connection state transitions.
func (rc *RealtimeClient) OnStateChange(h func(RealtimeState)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onStateChange = h
	rc.dispatcher.mu.Unlock()
}

// On registers a generic handler for an event name, replacing any existing
// handler for that name.
func (rc *RealtimeClient) On(event string, h RealtimeEventHandler) {
	rc.dispatcher.mu.Lock()
	if h == nil {
		delete(rc.dispatcher.generic, event)
	} else {
		rc.dispatcher.generic[event] = h
	}
	rc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	if rc.state == s {
		rc.mu.Unlock()
		return
	}
	rc.state = s
	rc.mu.Unlock()
	rc.dispatcher.emitStateChange(s)
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Connect establishes the connection. It is a no-op while the client is
// already connected or connecting; from the failed state it starts a fresh
// attempt budget.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	switch rc.state {
	case StateConnected, StateConnecting, StateReconnecting:
		rc.mu.Unlock()
		return nil
	}
	rc.intentionalClose = false
	rc.mu.Unlock()

	rc.recon.reset()
	rc.setState(StateConnecting)

	if err := rc.dial(ctx); err != nil {
		rc.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// dial performs the transport connect and handshake, then starts the read
// and heartbeat loops. State handling on failure is left to the caller so
// the reconnect loop can stay in StateReconnecting between attempts.
func (rc *RealtimeClient) dial(ctx context.Context) error {
	wsURL := rc.url
	if rc.config.Token != "" {
		wsURL += "?token=" + rc.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The server acknowledges an authenticated connection with a first
	// "connected" frame.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read connect ack: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'connected', got '%s'", env.Event)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.cancelFn = cancel
	rc.mu.Unlock()

	rc.recon.markConnected()
	rc.setState(StateConnected)
	rc.dispatcher.dispatch(env)

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect tears down the connection and returns to the disconnected
// state. Safe to call from any state, any number of times.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	rc.clearPendingPings()
	rc.recon.reset()
	rc.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Outbound emits. All are best-effort: while the stream is not connected
// they return ErrNotConnected and the signal is dropped, not queued.
// ----------------------------------------------------------------------------

// JoinConversation subscribes this client to a conversation's room.
func (rc *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return rc.emit(ctx, emitJoinConversation, map[string]string{"conversationId": conversationID})
}

// LeaveConversation unsubscribes this client from a conversation's room.
func (rc *RealtimeClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return rc.emit(ctx, emitLeaveConversation, map[string]string{"conversationId": conversationID})
}

// TypingStart signals that the user started typing in a conversation.
func (rc *RealtimeClient) TypingStart(ctx context.Context, conversationID string) error {
	return rc.emit(ctx, emitTypingStart, map[string]string{"conversationId": conversationID})
}

// TypingStop signals that the user stopped typing in a conversation.
func (rc *RealtimeClient) TypingStop(ctx context.Context, conversationID string) error {
	return rc.emit(ctx, emitTypingStop, map[string]string{"conversationId": conversationID})
}

// MarkMessageRead signals a read receipt for a message.
func (rc *RealtimeClient) MarkMessageRead(ctx context.Context, messageID string) error {
	return rc.emit(ctx, emitMarkMessageRead, map[string]string{"messageId": messageID})
}

func (rc *RealtimeClient) emit(ctx context.Context, event string, payload interface{}) error {
	rc.mu.Lock()
	conn := rc.conn
	state := rc.state
	rc.mu.Unlock()

	if state != StateConnected || conn == nil {
		rc.log.Debug().Str("event", event).Str("state", string(state)).Msg("emit dropped")
		return ErrNotConnected
	}

	data, err := json.Marshal(&RealtimeCommand{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rc.pendingMu.Lock()
	rc.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rc.pingCounter)
	ch := make(chan PongPayload, 1)
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()

	err := rc.emit(ctx, "ping", map[string]string{"requestId": requestID})
	if err != nil {
		rc.dropPendingPing(requestID)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		rc.dropPendingPing(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		rc.dropPendingPing(requestID)
		return nil, ctx.Err()
	}
}

// ----------------------------------------------------------------------------
// Loops
// ----------------------------------------------------------------------------

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if rc.conn == conn {
				rc.conn = nil
			}
			cancel := rc.cancelFn
			rc.cancelFn = nil
			rc.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if intentional {
				return
			}

			rc.log.Warn().Err(err).Msg("event stream dropped")
			if !rc.config.DisableReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			} else {
				rc.setState(StateDisconnected)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Event == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				rc.pendingMu.Lock()
				ch, ok := rc.pendingPings[p.RequestID]
				if ok {
					delete(rc.pendingPings, p.RequestID)
				}
				rc.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		rc.dispatcher.dispatch(env)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if _, err := rc.Ping(ctx); err != nil {
				// Force close so the read loop observes the drop and
				// reconnects.
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	for rc.recon.shouldReconnect() {
		attempt, delay := rc.recon.nextDelay()
		rc.setState(StateReconnecting)
		rc.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		time.Sleep(delay)

		rc.mu.Lock()
		intentional := rc.intentionalClose
		rc.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), rc.config.DialTimeout)
		err := rc.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		rc.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
	rc.log.Error().Msg("reconnect attempts exhausted")
	rc.setState(StateFailed)
}

func (rc *RealtimeClient) dropPendingPing(requestID string) {
	rc.pendingMu.Lock()
	delete(rc.pendingPings, requestID)
	rc.pendingMu.Unlock()
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}
