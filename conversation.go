package meetpin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SyncState is the per-conversation synchronization state.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateLoading SyncState = "loading"
	StateReady   SyncState = "ready"
)

// DefaultHistoryLimit is the backlog window fetched on load and resync.
const DefaultHistoryLimit = 50

// messagesTable is the row-change table carrying persisted messages.
const messagesTable = "messages"

// ============================================================================
// Conversation
// ============================================================================

// Conversation reconciles the three event sources of one chat — persisted
// row-changes, ephemeral broadcasts, and presence — into a single
// de-duplicated, time-ordered message list. All state is owned here and
// mutated only by the topic's event handlers and the conversation's own
// operations; consumers read copies.
type Conversation struct {
	session *Session
	store   MessageStore
	channel *Channel
	id      string
	other   string
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	historyLimit int

	mu         sync.Mutex
	state      SyncState
	msgs       []Message
	present    map[string]struct{}
	pending    map[string]string // clientRef -> optimistic entry id
	loadGen    int
	lastTyping time.Time
	closed     bool
	onChange   []func()

	typers *TypingSet
}

// ConversationOption customizes a Conversation.
type ConversationOption func(*Conversation)

// WithHistoryLimit overrides the backlog window size.
func WithHistoryLimit(limit int) ConversationOption {
	return func(c *Conversation) { c.historyLimit = limit }
}

// NewConversation opens the conversation's topic and starts loading its
// backlog. otherUserID is the matched participant on the far side.
func NewConversation(session *Session, store MessageStore, conversationID, otherUserID string, opts ...ConversationOption) *Conversation {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		session:      session,
		store:        store,
		id:           conversationID,
		other:        otherUserID,
		log:          session.log.With(zap.String("conversation", conversationID)),
		ctx:          ctx,
		cancel:       cancel,
		historyLimit: DefaultHistoryLimit,
		state:        StateIdle,
		present:      make(map[string]struct{}),
		pending:      make(map[string]string),
		typers:       newTypingSet(session.config.TypingTTL),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.channel = session.Channel(ConversationTopic(conversationID))
	c.channel.OnInsert(c.handleInsert)
	c.channel.OnUpdate(c.handleUpdate)
	c.channel.OnBroadcast(EventTyping, c.handleTyping)
	c.channel.OnBroadcast(EventStopTyping, c.handleStopTyping)
	// A reconnect invalidates everything seen before the gap; the only
	// recovery contract is a full backlog resync.
	c.channel.OnRejoin(c.resync)

	session.sweeper.register(c.typers)

	_ = c.channel.Track(ctx, PresenceRecord{
		UserID:        session.config.UserID,
		DisplayName:   session.config.DisplayName,
		ConnectionRef: uuid.NewString(),
		LastSeenAt:    time.Now().UTC(),
	})

	c.resync()
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// State returns the sync state.
func (c *Conversation) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns the rendered list: createdAt ascending, id tie-break,
// no id twice.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// UnreadCount counts messages addressed to the local user not yet read.
func (c *Conversation) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.ReceiverID == c.session.config.UserID && !m.IsRead {
			n++
		}
	}
	return n
}

// Typing returns the users currently typing.
func (c *Conversation) Typing() []TypingEvent {
	return c.typers.Active()
}

// Presence returns the conversation topic's presence set.
func (c *Conversation) Presence() *PresenceSet {
	return c.channel.Presence()
}

// OnChange registers a callback fired after every visible mutation.
func (c *Conversation) OnChange(h func()) {
	c.mu.Lock()
	c.onChange = append(c.onChange, h)
	c.mu.Unlock()
}

func (c *Conversation) notify() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onChange...)
	c.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send validates text, renders an optimistic echo immediately, then persists
// the message. On success the echo is reconciled with the canonical record
// (the store's id always wins over the temporary one). On failure the echo is
// withdrawn and a *SendError returned; nothing is retried silently.
func (c *Conversation) Send(ctx context.Context, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if len(text) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	ref := uuid.NewString()
	tmp := Message{
		ID:             "tmp-" + ref,
		ConversationID: c.id,
		SenderID:       c.session.config.UserID,
		ReceiverID:     c.other,
		SenderName:     c.session.config.DisplayName,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
		ClientRef:      ref,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.msgs = append(c.msgs, tmp)
	c.present[tmp.ID] = struct{}{}
	c.pending[ref] = tmp.ID
	c.sortLocked()
	c.mu.Unlock()
	c.notify()

	// Sending implies the keyboard went idle.
	_ = c.StopTyping(ctx)

	msg, err := c.store.SendMessage(ctx, c.id, &SendOptions{
		Text:       text,
		ReceiverID: c.other,
		ClientRef:  ref,
	})
	if err != nil {
		c.mu.Lock()
		if tmpID, ok := c.pending[ref]; ok {
			c.removeLocked(tmpID)
			delete(c.pending, ref)
		}
		c.mu.Unlock()
		c.notify()
		return nil, &SendError{ClientRef: ref, Err: err}
	}

	canonical := *msg
	if canonical.ClientRef == "" {
		canonical.ClientRef = ref
	}

	c.mu.Lock()
	if !c.closed {
		if tmpID, ok := c.pending[ref]; ok {
			c.replaceLocked(tmpID, canonical)
			delete(c.pending, ref)
		}
		// If the row-change event outran the POST response, the pending
		// entry is already reconciled and the canonical id present.
	}
	c.mu.Unlock()
	c.notify()

	return &canonical, nil
}

// ============================================================================
// Read receipts
// ============================================================================

// MarkRead acknowledges one received message. Only valid when the local user
// is the receiver; calling it again once read is a no-op.
func (c *Conversation) MarkRead(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	idx := c.indexLocked(messageID)
	if idx < 0 {
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	m := c.msgs[idx]
	c.mu.Unlock()

	if m.ReceiverID != c.session.config.UserID {
		return ErrNotReceiver
	}
	if m.IsRead {
		return nil
	}

	updated, err := c.store.MarkMessageRead(ctx, messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	c.mu.Lock()
	if idx := c.indexLocked(messageID); idx >= 0 {
		c.msgs[idx].IsRead = true
		if updated != nil && updated.ReadAt != nil {
			c.msgs[idx].ReadAt = updated.ReadAt
		}
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// ============================================================================
// Typing
// ============================================================================

// SendTyping broadcasts a typing signal, throttled so a keystroke burst sends
// at most one event per throttle window.
func (c *Conversation) SendTyping(ctx context.Context) error {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if now.Sub(c.lastTyping) < c.session.config.TypingThrottle {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.channel.Broadcast(ctx, EventTyping, TypingEvent{
		UserID:      c.session.config.UserID,
		DisplayName: c.session.config.DisplayName,
		Timestamp:   now.UTC(),
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastTyping = now
	c.mu.Unlock()
	return nil
}

// StopTyping broadcasts an explicit stop and re-arms the throttle.
func (c *Conversation) StopTyping(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastTyping = time.Time{}
	c.mu.Unlock()

	return c.channel.Broadcast(ctx, EventStopTyping, TypingEvent{
		UserID: c.session.config.UserID,
	})
}

func (c *Conversation) handleTyping(payload json.RawMessage) {
	var ev TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
		c.log.Warn("malformed typing event dropped", zap.Error(err))
		return
	}
	if ev.UserID == c.session.config.UserID {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.typers.upsert(ev)
	c.notify()
}

func (c *Conversation) handleStopTyping(payload json.RawMessage) {
	var ev TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
		c.log.Warn("malformed stop-typing event dropped", zap.Error(err))
		return
	}
	c.typers.remove(ev.UserID)
	c.notify()
}

// ============================================================================
// Row-change handling
// ============================================================================

func (c *Conversation) handleInsert(table string, row json.RawMessage) {
	if table != messagesTable {
		return
	}
	var msg Message
	if err := json.Unmarshal(row, &msg); err != nil || msg.ID == "" {
		c.log.Warn("malformed insert event dropped", zap.Error(err))
		return
	}
	c.applyInsert(msg)
}

func (c *Conversation) applyInsert(msg Message) {
	if msg.ConversationID != c.id {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	// An insert carrying our correlation ref is the echo of an in-flight
	// send: reconcile it with the optimistic entry instead of appending.
	if msg.ClientRef != "" {
		if tmpID, ok := c.pending[msg.ClientRef]; ok {
			c.replaceLocked(tmpID, msg)
			delete(c.pending, msg.ClientRef)
			c.mu.Unlock()
			c.notify()
			return
		}
	}

	// Anything else from ourselves is another device of the same user (or
	// a store that dropped the ref); dedup by id below and the reconcile
	// on POST return keep the list duplicate-free either way.
	if _, dup := c.present[msg.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.msgs = append(c.msgs, msg)
	c.present[msg.ID] = struct{}{}
	c.sortLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Conversation) handleUpdate(table string, row json.RawMessage) {
	if table != messagesTable {
		return
	}
	var msg Message
	if err := json.Unmarshal(row, &msg); err != nil || msg.ID == "" {
		c.log.Warn("malformed update event dropped", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	idx := c.indexLocked(msg.ID)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	// Persisted messages are immutable except for the read flag.
	c.msgs[idx].IsRead = msg.IsRead
	c.msgs[idx].ReadAt = msg.ReadAt
	c.mu.Unlock()
	c.notify()
}

// ============================================================================
// Backlog sync
// ============================================================================

// Refetch synchronously reloads the backlog and replaces the local list.
func (c *Conversation) Refetch(ctx context.Context) error {
	gen, err := c.beginLoad()
	if err != nil {
		return err
	}
	msgs, err := c.store.History(ctx, c.id, c.historyLimit)
	c.applyBacklog(gen, msgs, err)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	return nil
}

// resync runs Refetch off the event path; it is installed as the rejoin hook
// so inbound dispatch is never blocked by store I/O.
func (c *Conversation) resync() {
	gen, err := c.beginLoad()
	if err != nil {
		return
	}
	go func() {
		msgs, err := c.store.History(c.ctx, c.id, c.historyLimit)
		if err != nil {
			c.log.Warn("resync failed", zap.Error(err))
		}
		c.applyBacklog(gen, msgs, err)
	}()
}

func (c *Conversation) beginLoad() (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.loadGen++
	gen := c.loadGen
	c.state = StateLoading
	c.mu.Unlock()
	c.notify()
	return gen, nil
}

// applyBacklog installs a fetched backlog wholesale — the store is
// authoritative, so the local list is replaced rather than merged. Optimistic
// entries whose send is still in flight are re-appended on top; a backlog row
// carrying their correlation ref resolves them instead.
func (c *Conversation) applyBacklog(gen int, backlog []Message, fetchErr error) {
	c.mu.Lock()
	if c.closed || gen != c.loadGen {
		c.mu.Unlock()
		return
	}

	if fetchErr != nil {
		if len(c.msgs) > 0 {
			c.state = StateReady
		} else {
			c.state = StateIdle
		}
		c.mu.Unlock()
		c.notify()
		return
	}

	confirmed := make(map[string]struct{}) // client refs present in the backlog
	msgs := make([]Message, 0, len(backlog))
	present := make(map[string]struct{}, len(backlog))
	for _, m := range backlog {
		if _, dup := present[m.ID]; dup {
			continue
		}
		msgs = append(msgs, m)
		present[m.ID] = struct{}{}
		if m.ClientRef != "" {
			confirmed[m.ClientRef] = struct{}{}
		}
	}

	for ref, tmpID := range c.pending {
		if _, ok := confirmed[ref]; ok {
			delete(c.pending, ref)
			continue
		}
		if idx := c.indexLocked(tmpID); idx >= 0 {
			msgs = append(msgs, c.msgs[idx])
			present[tmpID] = struct{}{}
		}
	}

	c.msgs = msgs
	c.present = present
	c.sortLocked()
	c.state = StateReady
	c.mu.Unlock()
	c.notify()
}

// ============================================================================
// Teardown
// ============================================================================

// Close cancels any in-flight resync, stops typing-sweep participation, and
// unsubscribes the topic. Safe to call more than once.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.session.sweeper.deregister(c.typers)
	return c.channel.Unsubscribe()
}

// ============================================================================
// List helpers
// ============================================================================

func (c *Conversation) sortLocked() {
	sort.SliceStable(c.msgs, func(i, j int) bool {
		if !c.msgs[i].CreatedAt.Equal(c.msgs[j].CreatedAt) {
			return c.msgs[i].CreatedAt.Before(c.msgs[j].CreatedAt)
		}
		return c.msgs[i].ID < c.msgs[j].ID
	})
}

func (c *Conversation) indexLocked(id string) int {
	for i := range c.msgs {
		if c.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) removeLocked(id string) {
	if idx := c.indexLocked(id); idx >= 0 {
		c.msgs = append(c.msgs[:idx], c.msgs[idx+1:]...)
		delete(c.present, id)
	}
}

// replaceLocked swaps the optimistic entry for the canonical record. The
// persisted id is authoritative; if it already arrived via the event stream
// the temporary entry is simply withdrawn.
func (c *Conversation) replaceLocked(tmpID string, canonical Message) {
	c.removeLocked(tmpID)
	if _, dup := c.present[canonical.ID]; dup {
		return
	}
	c.msgs = append(c.msgs, canonical)
	c.present[canonical.ID] = struct{}{}
	c.sortLocked()
}
