package vitracka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the duplex-channel client.
type RealtimeConfig struct {
	// DisableReconnect turns off automatic reconnection after unexpected
	// channel loss. Explicit Connect calls always work regardless.
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	Logger               logrus.FieldLogger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// ConnState is the duplex-channel lifecycle state. Transitions are owned
// exclusively by the RealtimeClient; everything else only observes.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateSuspended    ConnState = "SUSPENDED"
)

// ConnStatus is the notification kind emitted to status observers.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "CONNECTED"
	StatusDisconnected ConnStatus = "DISCONNECTED"
	StatusConnecting   ConnStatus = "CONNECTING"
	StatusError        ConnStatus = "ERROR"
)

// StatusEvent is delivered to connection-status observers.
type StatusEvent struct {
	Status ConnStatus
	Err    error
}

// StatusHandler observes connection-status changes.
type StatusHandler func(StatusEvent)

// EventHandler observes domain push events (safety alerts, coaching nudges).
type EventHandler func(Envelope)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu     sync.RWMutex
	nextID int
	status map[int]StatusHandler
	events map[string]map[int]EventHandler
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		status: make(map[int]StatusHandler),
		events: make(map[string]map[int]EventHandler),
	}
}

func (d *eventDispatcher) onStatus(h StatusHandler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.status[d.nextID] = h
	return d.nextID
}

func (d *eventDispatcher) offStatus(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.status, id)
}

func (d *eventDispatcher) on(eventType string, h EventHandler) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if d.events[eventType] == nil {
		d.events[eventType] = make(map[int]EventHandler)
	}
	d.events[eventType][d.nextID] = h
	return d.nextID
}

func (d *eventDispatcher) off(eventType string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events[eventType], id)
}

// emitStatus fans out to observers on their own goroutines so a slow
// observer cannot block the emission.
func (d *eventDispatcher) emitStatus(ev StatusEvent) {
	d.mu.RLock()
	handlers := make([]StatusHandler, 0, len(d.status))
	for _, h := range d.status {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(ev)
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.events[env.Type]))
	for _, h := range d.events[env.Type] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(env)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	policy      *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnector{policy: b, maxAttempts: cfg.MaxReconnectAttempts}
}

func (r *reconnector) shouldRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay returns base*2^(attempt-1) capped at the configured ceiling.
// Reaching the ceiling stops the exponent growth, not the retries.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	return r.policy.NextBackOff()
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.policy.Reset()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the duplex channel: connect, reconnect with backoff,
// heartbeat, lifecycle suspension, and request/response correlation on top
// of the push-only wire.
type RealtimeClient struct {
	client    *Client
	cfg       *RealtimeConfig
	log       logrus.FieldLogger
	sessionID string

	dispatcher *eventDispatcher
	recon      *reconnector
	correlator *correlator

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	suspended        bool
	connCtx          context.Context
	cancelFn         context.CancelFunc
	hbCancel         context.CancelFunc
}

func newRealtimeClient(c *Client, cfg *RealtimeConfig) *RealtimeClient {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RealtimeClient{
		client:     c,
		cfg:        cfg,
		log:        log,
		sessionID:  uuid.NewString(),
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(cfg),
		correlator: newCorrelator(cfg.RequestTimeout, log),
		state:      StateDisconnected,
	}
}

// State returns the current channel state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// SessionID returns the per-client-lifetime session identifier reused
// across reconnects.
func (rt *RealtimeClient) SessionID() string { return rt.sessionID }

// OnStatusChange registers a connection-status observer and returns a
// subscription id for OffStatusChange.
func (rt *RealtimeClient) OnStatusChange(h StatusHandler) int {
	return rt.dispatcher.onStatus(h)
}

// OffStatusChange removes a previously registered status observer.
func (rt *RealtimeClient) OffStatusChange(id int) {
	rt.dispatcher.offStatus(id)
}

// On registers an observer for a push-event envelope type
// (e.g. safety_alert, coaching_message). Returns a subscription id.
func (rt *RealtimeClient) On(eventType string, h EventHandler) int {
	return rt.dispatcher.on(eventType, h)
}

// Off removes a push-event observer.
func (rt *RealtimeClient) Off(eventType string, id int) {
	rt.dispatcher.off(eventType, id)
}

// Connect establishes the duplex channel. It is a no-op when already
// connected or connecting. A missing token fails with AuthenticationError
// and enters no retry loop; transient dial errors are retried with backoff.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	// A suspended channel may still hold a live socket. It is superseded by
	// the new dial, never reused, so close it before connecting.
	oldConn := rt.conn
	oldCancel := rt.cancelFn
	rt.conn = nil
	rt.cancelFn = nil
	rt.hbCancel = nil
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.suspended = false
	rt.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldConn != nil {
		oldConn.Close(websocket.StatusGoingAway, "superseded")
	}

	rt.dispatcher.emitStatus(StatusEvent{Status: StatusConnecting})

	token, err := rt.client.tokens.Token()
	if err != nil {
		var authErr *AuthenticationError
		if !errors.As(err, &authErr) {
			err = &AuthenticationError{Reason: err.Error()}
		}
		rt.setState(StateDisconnected)
		rt.dispatcher.emitStatus(StatusEvent{Status: StatusError, Err: err})
		return err
	}

	conn, _, err := websocket.Dial(ctx, rt.client.WSURL(token, rt.sessionID), nil) //nolint:bodyclose
	if err != nil {
		rt.setState(StateDisconnected)
		rt.dispatcher.emitStatus(StatusEvent{Status: StatusError, Err: err})
		rt.maybeScheduleReconnect()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	hbCtx, hbCancel := context.WithCancel(connCtx)

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.connCtx = connCtx
	rt.cancelFn = cancel
	rt.hbCancel = hbCancel
	rt.mu.Unlock()

	rt.recon.reset()
	rt.log.WithField("session", rt.sessionID).Info("realtime channel connected")
	rt.dispatcher.emitStatus(StatusEvent{Status: StatusConnected})

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(hbCtx)

	return nil
}

// Disconnect is caller-initiated: it closes the channel and suppresses
// automatic reconnection until Connect is called again.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	rt.hbCancel = nil
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.correlator.cancelAll(&ConnectionLostError{Reason: "client disconnect"})
	rt.dispatcher.emitStatus(StatusEvent{Status: StatusDisconnected})

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Suspend is called when the host application is backgrounded: the heartbeat
// stops but the channel is left open if possible.
func (rt *RealtimeClient) Suspend() {
	rt.mu.Lock()
	rt.suspended = true
	if rt.state == StateConnected {
		rt.state = StateSuspended
		if rt.hbCancel != nil {
			rt.hbCancel()
			rt.hbCancel = nil
		}
	}
	rt.mu.Unlock()
	rt.log.Debug("realtime channel suspended")
}

// Resume is called when the host application returns to the foreground. If
// the channel survived the suspension the heartbeat restarts; if the server
// dropped it in the meantime, Connect is attempted immediately.
func (rt *RealtimeClient) Resume(ctx context.Context) error {
	rt.mu.Lock()
	rt.suspended = false
	if rt.state == StateSuspended && rt.conn != nil {
		rt.state = StateConnected
		hbCtx, hbCancel := context.WithCancel(rt.connCtx)
		rt.hbCancel = hbCancel
		rt.mu.Unlock()
		go rt.heartbeatLoop(hbCtx)
		rt.dispatcher.emitStatus(StatusEvent{Status: StatusConnected})
		return nil
	}
	state := rt.state
	rt.mu.Unlock()

	if state == StateDisconnected || state == StateSuspended {
		rt.setState(StateDisconnected)
		return rt.Connect(ctx)
	}
	return nil
}

// SendRequest sends an agent request over the duplex channel and waits for
// the correlated response, a timeout, or connection loss.
func (rt *RealtimeClient) SendRequest(ctx context.Context, agentType string, request any) (*AgentResponsePayload, error) {
	if rt.State() != StateConnected {
		return nil, ErrNotConnected
	}

	reqJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	id := uuid.NewString()
	pending := rt.correlator.register(id)

	payload := AgentRequestPayload{
		InteractionID: id,
		AgentType:     agentType,
		Request:       reqJSON,
		SessionID:     rt.sessionID,
	}
	if err := rt.send(ctx, EnvelopeAgentRequest, payload); err != nil {
		rt.correlator.remove(id)
		return nil, err
	}

	return rt.correlator.await(ctx, pending)
}

// PendingRequests returns the number of in-flight correlated requests.
func (rt *RealtimeClient) PendingRequests() int {
	return rt.correlator.pendingCount()
}

// send writes one envelope. Every envelope gets a fresh message id.
func (rt *RealtimeClient) send(ctx context.Context, envType string, payload any) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env := Envelope{
		Type:      envType,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		env.Payload = b
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The socket died under us; report it as connectivity, not as a
		// raw transport error, so callers can fall back.
		return &ConnectionLostError{Reason: err.Error()}
	}
	return nil
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.handleChannelLoss(conn, err)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			rt.log.Warn("discarding malformed envelope")
			continue
		}

		switch env.Type {
		case EnvelopeAgentResponse:
			rt.correlator.resolve(env)
		case EnvelopeHeartbeat:
			// server keep-alive echo
		default:
			rt.dispatcher.dispatch(env)
		}
	}
}

// handleChannelLoss reacts to a read failure on conn. Only the current
// channel may drive state; a read loop left over from a superseded or
// intentionally closed connection must not touch anything.
func (rt *RealtimeClient) handleChannelLoss(conn *websocket.Conn, cause error) {
	rt.mu.Lock()
	if rt.intentionalClose || rt.conn != conn {
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	rt.state = StateDisconnected
	if rt.hbCancel != nil {
		rt.hbCancel()
		rt.hbCancel = nil
	}
	rt.mu.Unlock()

	rt.log.WithError(cause).Warn("realtime channel lost")
	rt.correlator.cancelAll(&ConnectionLostError{Reason: cause.Error()})
	rt.dispatcher.emitStatus(StatusEvent{Status: StatusDisconnected, Err: cause})
	rt.maybeScheduleReconnect()
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			if err := rt.send(ctx, EnvelopeHeartbeat, nil); err != nil {
				rt.log.WithError(err).Warn("heartbeat failed, closing channel")
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) maybeScheduleReconnect() {
	rt.mu.Lock()
	blocked := rt.intentionalClose || rt.suspended
	rt.mu.Unlock()
	if blocked || rt.cfg.DisableReconnect || !rt.recon.shouldRetry() {
		return
	}
	go rt.reconnectAfterDelay()
}

func (rt *RealtimeClient) reconnectAfterDelay() {
	delay := rt.recon.nextDelay()
	rt.log.WithFields(logrus.Fields{
		"attempt": rt.recon.attempts(),
		"delay":   delay,
	}).Info("scheduling reconnect")
	time.Sleep(delay)

	rt.mu.Lock()
	skip := rt.intentionalClose || rt.suspended || rt.state != StateDisconnected
	rt.mu.Unlock()
	if skip {
		return
	}

	// Connect schedules the next attempt itself when the dial fails.
	_ = rt.Connect(context.Background())
}

func (rt *RealtimeClient) setState(s ConnState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}
