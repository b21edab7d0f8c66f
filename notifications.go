package meetpin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// notificationsTable is the row-change table carrying feed records.
const notificationsTable = "notifications"

// ============================================================================
// Notification Fanout
// ============================================================================

// NotificationFeed materializes the per-recipient notification topic into a
// feed with an unread badge. It is independent of any open conversation view:
// both may observe the same underlying message insert, in either order, and
// each applies it idempotently.
type NotificationFeed struct {
	session *Session
	store   NotificationStore
	channel *Channel
	userID  string
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	records   []NotificationRecord // newest first
	present   map[string]struct{}  // record ids
	byMessage map[string]struct{}  // message ids, for either-order fanout dedup
	unread    int
	closed    bool
	onNew     []func(NotificationRecord)
	onChange  []func()
}

// NewNotificationFeed subscribes the user's notification topic and loads the
// current feed from the store.
func NewNotificationFeed(session *Session, store NotificationStore, userID string) *NotificationFeed {
	ctx, cancel := context.WithCancel(context.Background())
	f := &NotificationFeed{
		session:   session,
		store:     store,
		userID:    userID,
		log:       session.log.With(zap.String("feed", userID)),
		ctx:       ctx,
		cancel:    cancel,
		present:   make(map[string]struct{}),
		byMessage: make(map[string]struct{}),
	}

	f.channel = session.Channel(UserTopic(userID))
	f.channel.OnInsert(f.handleInsert)
	f.channel.OnUpdate(f.handleUpdate)
	f.channel.OnDelete(f.handleDelete)
	f.channel.OnRejoin(f.refresh)

	f.refresh()
	return f
}

// UnreadCount returns the badge value.
func (f *NotificationFeed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Records returns a copy of the feed, newest first.
func (f *NotificationFeed) Records() []NotificationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NotificationRecord, len(f.records))
	copy(out, f.records)
	return out
}

// OnNew registers a callback fired for each fresh notification, e.g. to
// surface a toast. It runs on the dispatch path and must not block.
func (f *NotificationFeed) OnNew(h func(NotificationRecord)) {
	f.mu.Lock()
	f.onNew = append(f.onNew, h)
	f.mu.Unlock()
}

// OnChange registers a callback fired after every visible mutation.
func (f *NotificationFeed) OnChange(h func()) {
	f.mu.Lock()
	f.onChange = append(f.onChange, h)
	f.mu.Unlock()
}

func (f *NotificationFeed) notify() {
	f.mu.Lock()
	handlers := append([]func(){}, f.onChange...)
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ============================================================================
// Store operations
// ============================================================================

// Refresh synchronously reloads the feed from the store, replacing local
// state wholesale.
func (f *NotificationFeed) Refresh(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.mu.Unlock()

	records, err := f.store.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	f.install(records)
	return nil
}

// refresh is the async rejoin/startup variant; failures are logged, the next
// event or explicit Refresh recovers.
func (f *NotificationFeed) refresh() {
	go func() {
		if err := f.Refresh(f.ctx); err != nil && f.ctx.Err() == nil {
			f.log.Warn("notification refresh failed", zap.Error(err))
		}
	}()
}

func (f *NotificationFeed) install(records []NotificationRecord) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.records = f.records[:0]
	f.present = make(map[string]struct{}, len(records))
	f.byMessage = make(map[string]struct{}, len(records))
	f.unread = 0
	for _, rec := range records {
		if _, dup := f.present[rec.ID]; dup {
			continue
		}
		f.records = append(f.records, rec)
		f.present[rec.ID] = struct{}{}
		if rec.MessageID != "" {
			f.byMessage[rec.MessageID] = struct{}{}
		}
		if !rec.IsRead {
			f.unread++
		}
	}
	f.mu.Unlock()
	f.notify()
}

// MarkRead acknowledges one notification. Idempotent.
func (f *NotificationFeed) MarkRead(ctx context.Context, notificationID string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	idx := f.indexLocked(notificationID)
	if idx < 0 {
		f.mu.Unlock()
		return ErrUnknownMessage
	}
	if f.records[idx].IsRead {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	if err := f.store.MarkNotificationRead(ctx, notificationID); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	f.mu.Lock()
	if idx := f.indexLocked(notificationID); idx >= 0 && !f.records[idx].IsRead {
		f.records[idx].IsRead = true
		f.decUnreadLocked()
	}
	f.mu.Unlock()
	f.notify()
	return nil
}

// MarkAllRead acknowledges the whole feed.
func (f *NotificationFeed) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.mu.Unlock()

	if err := f.store.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	f.mu.Lock()
	for i := range f.records {
		f.records[i].IsRead = true
	}
	f.unread = 0
	f.mu.Unlock()
	f.notify()
	return nil
}

// ============================================================================
// Row-change handling
// ============================================================================

func (f *NotificationFeed) handleInsert(table string, row json.RawMessage) {
	if table != notificationsTable {
		return
	}
	var rec NotificationRecord
	if err := json.Unmarshal(row, &rec); err != nil || rec.ID == "" {
		f.log.Warn("malformed notification insert dropped", zap.Error(err))
		return
	}
	if rec.RecipientID != f.userID {
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if _, dup := f.present[rec.ID]; dup {
		f.mu.Unlock()
		return
	}
	if rec.MessageID != "" {
		if _, dup := f.byMessage[rec.MessageID]; dup {
			f.mu.Unlock()
			return
		}
		f.byMessage[rec.MessageID] = struct{}{}
	}
	f.records = append([]NotificationRecord{rec}, f.records...)
	f.present[rec.ID] = struct{}{}
	if !rec.IsRead {
		f.unread++
	}
	fresh := append([]func(NotificationRecord){}, f.onNew...)
	f.mu.Unlock()

	for _, h := range fresh {
		h(rec)
	}
	f.notify()
}

func (f *NotificationFeed) handleUpdate(table string, row json.RawMessage) {
	if table != notificationsTable {
		return
	}
	var rec NotificationRecord
	if err := json.Unmarshal(row, &rec); err != nil || rec.ID == "" {
		f.log.Warn("malformed notification update dropped", zap.Error(err))
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	idx := f.indexLocked(rec.ID)
	if idx < 0 {
		f.mu.Unlock()
		return
	}
	was := f.records[idx].IsRead
	f.records[idx].IsRead = rec.IsRead
	if !was && rec.IsRead {
		f.decUnreadLocked()
	} else if was && !rec.IsRead {
		f.unread++
	}
	f.mu.Unlock()
	f.notify()
}

func (f *NotificationFeed) handleDelete(table string, row json.RawMessage) {
	if table != notificationsTable {
		return
	}
	var rec NotificationRecord
	if err := json.Unmarshal(row, &rec); err != nil || rec.ID == "" {
		f.log.Warn("malformed notification delete dropped", zap.Error(err))
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	idx := f.indexLocked(rec.ID)
	if idx < 0 {
		f.mu.Unlock()
		return
	}
	removed := f.records[idx]
	f.records = append(f.records[:idx], f.records[idx+1:]...)
	delete(f.present, removed.ID)
	if removed.MessageID != "" {
		delete(f.byMessage, removed.MessageID)
	}
	if !removed.IsRead {
		f.decUnreadLocked()
	}
	f.mu.Unlock()
	f.notify()
}

// ============================================================================
// Teardown
// ============================================================================

// Close unsubscribes the notification topic and cancels pending refreshes.
func (f *NotificationFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	return f.channel.Unsubscribe()
}

func (f *NotificationFeed) indexLocked(id string) int {
	for i := range f.records {
		if f.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *NotificationFeed) decUnreadLocked() {
	if f.unread > 0 {
		f.unread--
	}
}
