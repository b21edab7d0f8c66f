package meetpin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a realtime Session.
type SessionConfig struct {
	Token       string
	UserID      string
	DisplayName string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration

	TypingTTL      time.Duration
	TypingThrottle time.Duration
	SweepInterval  time.Duration

	Logger *zap.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 2 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 1 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ConnState is the connection status of a Session.
type ConnState string

const (
	StatusConnecting   ConnState = "connecting"
	StatusConnected    ConnState = "connected"
	StatusDisconnected ConnState = "disconnected"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	lastDelay   time.Duration
	connectedAt time.Time
}

func newReconnector(config *SessionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// markConnected records a successful connect. The attempt counter resets once
// the connection has outlived the delay that preceded it, so a link flapping
// faster than the backoff keeps climbing toward the cap.
func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.lastDelay > 0 && time.Since(r.connectedAt) > r.lastDelay {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	r.lastDelay = delay
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.lastDelay = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Session
// ============================================================================

// Session owns one logical realtime transport and multiplexes topic channels
// over it. Create one per login; tear it down with Close at logout.
type Session struct {
	baseURL string
	config  *SessionConfig
	log     *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	dialing          bool
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	reconnectCancel  context.CancelFunc
	baseCtx          context.Context
	channels         map[string]*Channel
	onStatus         []func(ConnState)

	recon   *reconnector
	sweeper *sweeper

	ackMu       sync.Mutex
	pendingAcks map[string]chan struct{}
}

// NewSession creates a realtime session against baseURL. Call Connect to
// establish the transport.
func NewSession(baseURL string, config *SessionConfig) *Session {
	cfg := *config
	cfg.defaults()
	return &Session{
		baseURL:     strings.TrimRight(baseURL, "/"),
		config:      &cfg,
		log:         cfg.Logger,
		state:       StatusDisconnected,
		channels:    make(map[string]*Channel),
		recon:       newReconnector(&cfg),
		sweeper:     newSweeper(cfg.SweepInterval),
		pendingAcks: make(map[string]chan struct{}),
	}
}

// Status returns the current connection state.
func (s *Session) Status() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStatusChange registers a callback invoked on every state transition.
// Callbacks run on the supervisor goroutine and must not block.
func (s *Session) OnStatusChange(h func(ConnState)) {
	s.mu.Lock()
	s.onStatus = append(s.onStatus, h)
	s.mu.Unlock()
}

func (s *Session) setStatus(state ConnState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	handlers := append([]func(ConnState){}, s.onStatus...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

// Connect establishes the websocket and starts the read and heartbeat loops.
// ctx bounds the whole session: cancelling it drops the transport for good.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil || s.dialing {
		s.mu.Unlock()
		return nil
	}
	s.dialing = true
	s.intentionalClose = false
	s.baseCtx = ctx
	s.mu.Unlock()
	s.setStatus(StatusConnecting)

	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?token=" + s.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.mu.Lock()
		s.dialing = false
		s.mu.Unlock()
		s.setStatus(StatusDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.cancelFn = cancel
	s.dialing = false
	s.mu.Unlock()
	s.recon.markConnected()
	s.setStatus(StatusConnected)

	// Presence and in-flight broadcast state do not survive a transport
	// drop, so every channel re-subscribes explicitly and announces its
	// tracked presence again before rejoin hooks drive component resyncs.
	s.resubscribeChannels(connCtx)

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx)

	return nil
}

// Disconnect tears the transport down cleanly. Channel registrations are
// kept: a later Connect re-subscribes them.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	if s.reconnectCancel != nil {
		s.reconnectCancel()
		s.reconnectCancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.clearPendingAcks()
	s.recon.reset()
	s.setStatus(StatusDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close disconnects and releases session-wide resources (the typing sweeper).
func (s *Session) Close() error {
	err := s.Disconnect()
	s.sweeper.close()
	return err
}

// ============================================================================
// Channel management
// ============================================================================

// Channel subscribes to a topic, or returns the existing subscription.
func (s *Session) Channel(topic string) *Channel {
	s.mu.Lock()
	if ch, ok := s.channels[topic]; ok {
		s.mu.Unlock()
		return ch
	}
	ch := &Channel{
		session:     s,
		topic:       topic,
		log:         s.log.With(zap.String("topic", topic)),
		presence:    newPresenceSet(),
		onBroadcast: make(map[string][]func(json.RawMessage)),
	}
	s.channels[topic] = ch
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := s.send(context.Background(), &Command{Action: "subscribe", Topic: topic}); err != nil {
			s.log.Warn("subscribe command failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return ch
}

func (s *Session) removeChannel(topic string) {
	s.mu.Lock()
	delete(s.channels, topic)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := s.send(context.Background(), &Command{Action: "unsubscribe", Topic: topic}); err != nil {
			s.log.Warn("unsubscribe command failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (s *Session) resubscribeChannels(ctx context.Context) {
	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		if err := s.send(ctx, &Command{Action: "subscribe", Topic: ch.topic}); err != nil {
			s.log.Warn("resubscribe failed", zap.String("topic", ch.topic), zap.Error(err))
			continue
		}
		ch.announceTracked(ctx)
		ch.fireRejoin()
	}
}

// send writes one command to the socket.
func (s *Session) send(ctx context.Context, cmd *Command) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Read loop and dispatch
// ============================================================================

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleDrop(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn("malformed envelope dropped", zap.Error(err))
			continue
		}
		s.dispatch(env)
	}
}

// dispatch routes one envelope to its topic's channel. Events are delivered
// serially on the read loop, which is what gives per-topic ordering; handlers
// therefore must not block.
func (s *Session) dispatch(env Envelope) {
	if env.Type == classSystem {
		s.handleSystem(env)
		return
	}

	s.mu.Lock()
	ch := s.channels[env.Topic]
	s.mu.Unlock()

	if ch == nil {
		s.log.Debug("event for unknown topic dropped", zap.String("topic", env.Topic))
		return
	}
	ch.dispatch(env)
}

func (s *Session) handleSystem(env Envelope) {
	if env.Event != "heartbeat_ack" || env.Ref == "" {
		return
	}
	s.ackMu.Lock()
	ack, ok := s.pendingAcks[env.Ref]
	if ok {
		delete(s.pendingAcks, env.Ref)
	}
	s.ackMu.Unlock()
	if ok {
		close(ack)
	}
}

func (s *Session) handleDrop(cause error) {
	s.mu.Lock()
	intentional := s.intentionalClose
	s.conn = nil
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.mu.Unlock()

	if intentional {
		return
	}

	s.clearPendingAcks()
	s.log.Warn("transport dropped", zap.Error(cause))
	s.setStatus(StatusDisconnected)

	if s.config.AutoReconnect && s.recon.shouldReconnect() {
		// The pending reconnect gets its own cancel so Disconnect can
		// stop it while the backoff timer is still waiting.
		s.mu.Lock()
		base := s.baseCtx
		if base == nil {
			base = context.Background()
		}
		rctx, cancel := context.WithCancel(base)
		s.reconnectCancel = cancel
		s.mu.Unlock()
		go s.scheduleReconnect(rctx, base)
	}
}

func (s *Session) scheduleReconnect(ctx, base context.Context) {
	delay := s.recon.nextDelay()
	s.setStatus(StatusConnecting)
	s.log.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", s.recon.attempt))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.setStatus(StatusDisconnected)
		return
	case <-timer.C:
	}

	s.mu.Lock()
	intentional := s.intentionalClose
	s.mu.Unlock()
	if intentional {
		s.setStatus(StatusDisconnected)
		return
	}

	if err := s.Connect(base); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(ctx, base)
			return
		}
		s.log.Error("reconnect attempts exhausted", zap.Error(err))
		s.setStatus(StatusDisconnected)
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Status() != StatusConnected {
				return
			}
			if err := s.heartbeat(ctx); err != nil {
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *Session) heartbeat(ctx context.Context) error {
	ref := uuid.NewString()
	ack := make(chan struct{})
	s.ackMu.Lock()
	s.pendingAcks[ref] = ack
	s.ackMu.Unlock()

	if err := s.send(ctx, &Command{Action: "heartbeat", Ref: ref}); err != nil {
		s.dropPendingAck(ref)
		return err
	}

	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		s.dropPendingAck(ref)
		return fmt.Errorf("heartbeat timeout")
	case <-ctx.Done():
		s.dropPendingAck(ref)
		return ctx.Err()
	}
}

func (s *Session) dropPendingAck(ref string) {
	s.ackMu.Lock()
	delete(s.pendingAcks, ref)
	s.ackMu.Unlock()
}

func (s *Session) clearPendingAcks() {
	s.ackMu.Lock()
	for ref, ack := range s.pendingAcks {
		close(ack)
		delete(s.pendingAcks, ref)
	}
	s.ackMu.Unlock()
}

// ============================================================================
// Channel
// ============================================================================

// RowHandler receives one row-change event for a topic.
type RowHandler func(table string, row json.RawMessage)

// Channel is one topic subscription. Row-change, broadcast, and presence
// events arrive in order relative to each other on the same topic; nothing is
// guaranteed across topics.
type Channel struct {
	session *Session
	topic   string
	log     *zap.Logger

	mu          sync.Mutex
	closed      bool
	onInsert    []RowHandler
	onUpdate    []RowHandler
	onDelete    []RowHandler
	onBroadcast map[string][]func(json.RawMessage)
	onRejoin    []func()
	tracked     *PresenceRecord

	presence *PresenceSet
}

// Topic returns the channel's topic name.
func (ch *Channel) Topic() string { return ch.topic }

// Presence returns the channel's presence set.
func (ch *Channel) Presence() *PresenceSet { return ch.presence }

// OnInsert registers a handler for row inserts on this topic.
func (ch *Channel) OnInsert(h RowHandler) {
	ch.mu.Lock()
	ch.onInsert = append(ch.onInsert, h)
	ch.mu.Unlock()
}

// OnUpdate registers a handler for row updates on this topic.
func (ch *Channel) OnUpdate(h RowHandler) {
	ch.mu.Lock()
	ch.onUpdate = append(ch.onUpdate, h)
	ch.mu.Unlock()
}

// OnDelete registers a handler for row deletes on this topic.
func (ch *Channel) OnDelete(h RowHandler) {
	ch.mu.Lock()
	ch.onDelete = append(ch.onDelete, h)
	ch.mu.Unlock()
}

// OnBroadcast registers a handler for one ephemeral broadcast event.
func (ch *Channel) OnBroadcast(event string, h func(json.RawMessage)) {
	ch.mu.Lock()
	ch.onBroadcast[event] = append(ch.onBroadcast[event], h)
	ch.mu.Unlock()
}

// OnRejoin registers a hook fired after the topic is re-subscribed following
// a transport drop. Components use it to resync from the persisted store.
func (ch *Channel) OnRejoin(h func()) {
	ch.mu.Lock()
	ch.onRejoin = append(ch.onRejoin, h)
	ch.mu.Unlock()
}

// Broadcast sends an ephemeral event on this topic. Broadcasts are not
// queued: without a live transport the event is lost and ErrNotConnected is
// returned.
func (ch *Channel) Broadcast(ctx context.Context, event string, payload interface{}) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.mu.Unlock()
	return ch.session.send(ctx, &Command{
		Action:  "broadcast",
		Topic:   ch.topic,
		Event:   event,
		Payload: payload,
	})
}

// Track announces the local user's presence on this topic. The record is
// remembered and re-announced automatically after every reconnect.
func (ch *Channel) Track(ctx context.Context, rec PresenceRecord) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	ch.tracked = &rec
	ch.mu.Unlock()

	err := ch.session.send(ctx, &Command{Action: "track", Topic: ch.topic, Payload: rec})
	if errors.Is(err, ErrNotConnected) {
		// Announced on the next (re)connect instead.
		return nil
	}
	return err
}

// Unsubscribe tears the topic down. Safe to call more than once.
func (ch *Channel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.session.removeChannel(ch.topic)
	return nil
}

func (ch *Channel) announceTracked(ctx context.Context) {
	ch.mu.Lock()
	tracked := ch.tracked
	ch.mu.Unlock()
	if tracked == nil {
		return
	}
	if err := ch.session.send(ctx, &Command{Action: "track", Topic: ch.topic, Payload: *tracked}); err != nil {
		ch.log.Warn("presence re-track failed", zap.Error(err))
	}
}

func (ch *Channel) fireRejoin() {
	ch.mu.Lock()
	hooks := append([]func(){}, ch.onRejoin...)
	ch.mu.Unlock()
	for _, h := range hooks {
		ch.safeCall(func(json.RawMessage) { h() }, nil)
	}
}

func (ch *Channel) dispatch(env Envelope) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	var rowHandlers []RowHandler
	var broadcastHandlers []func(json.RawMessage)
	switch env.Type {
	case classRowChange:
		switch env.Event {
		case EventInsert:
			rowHandlers = append(rowHandlers, ch.onInsert...)
		case EventUpdate:
			rowHandlers = append(rowHandlers, ch.onUpdate...)
		case EventDelete:
			rowHandlers = append(rowHandlers, ch.onDelete...)
		}
	case classBroadcast:
		broadcastHandlers = append(broadcastHandlers, ch.onBroadcast[env.Event]...)
	}
	ch.mu.Unlock()

	switch env.Type {
	case classRowChange:
		if env.Row == nil {
			ch.log.Warn("row-change event without row dropped", zap.String("event", env.Event))
			return
		}
		for _, h := range rowHandlers {
			handler := h
			ch.safeCall(func(row json.RawMessage) { handler(env.Table, row) }, env.Row)
		}
	case classBroadcast:
		for _, h := range broadcastHandlers {
			ch.safeCall(h, env.Payload)
		}
	case classPresence:
		ch.applyPresence(env)
	default:
		ch.log.Warn("unknown event class dropped", zap.String("type", env.Type))
	}
}

func (ch *Channel) applyPresence(env Envelope) {
	var records []PresenceRecord
	if env.State != nil {
		if err := json.Unmarshal(env.State, &records); err != nil {
			ch.log.Warn("malformed presence state dropped", zap.Error(err))
			return
		}
	}
	switch env.Event {
	case EventPresenceSync:
		ch.presence.applySync(records)
	case EventPresenceJoin:
		ch.presence.applyJoin(records)
	case EventPresenceLeave:
		ch.presence.applyLeave(records)
	default:
		ch.log.Warn("unknown presence event dropped", zap.String("event", env.Event))
	}
}

// safeCall shields the dispatch chain: a panicking handler on one topic must
// not stop delivery to others.
func (ch *Channel) safeCall(h func(json.RawMessage), payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			ch.log.Error("event handler panicked", zap.Any("panic", r))
		}
	}()
	h(payload)
}
