package meetpin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession("http://127.0.0.1:0", &SessionConfig{
		Token:         "test-token",
		UserID:        "u-local",
		DisplayName:   "Local User",
		SweepInterval: 10 * time.Millisecond,
		TypingTTL:     50 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func insertEnvelope(t *testing.T, topic, table string, row interface{}) Envelope {
	t.Helper()
	return Envelope{Topic: topic, Type: classRowChange, Event: EventInsert, Table: table, Row: mustRaw(t, row)}
}

func updateEnvelope(t *testing.T, topic, table string, row interface{}) Envelope {
	t.Helper()
	return Envelope{Topic: topic, Type: classRowChange, Event: EventUpdate, Table: table, Row: mustRaw(t, row)}
}

func deleteEnvelope(t *testing.T, topic, table string, row interface{}) Envelope {
	t.Helper()
	return Envelope{Topic: topic, Type: classRowChange, Event: EventDelete, Table: table, Row: mustRaw(t, row)}
}

func broadcastEnvelope(t *testing.T, topic, event string, payload interface{}) Envelope {
	t.Helper()
	return Envelope{Topic: topic, Type: classBroadcast, Event: event, Payload: mustRaw(t, payload)}
}

func presenceEnvelope(t *testing.T, topic, event string, state []PresenceRecord) Envelope {
	t.Helper()
	return Envelope{Topic: topic, Type: classPresence, Event: event, State: mustRaw(t, state)}
}

// ============================================================================
// Fake Stores
// ============================================================================

type fakeMessageStore struct {
	mu           sync.Mutex
	backlog      []Message
	historyErr   error
	historyCalls int

	sendErr  error
	sendGate chan struct{} // when set, SendMessage blocks until closed
	sentRefs []string
	nextID   int

	markReadErr   error
	markReadCalls []string
}

func (s *fakeMessageStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyCalls++
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	out := make([]Message, len(s.backlog))
	copy(out, s.backlog)
	return out, nil
}

func (s *fakeMessageStore) SendMessage(ctx context.Context, conversationID string, opts *SendOptions) (*Message, error) {
	s.mu.Lock()
	s.sentRefs = append(s.sentRefs, opts.ClientRef)
	gate := s.sendGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.nextID++
	return &Message{
		ID:             fmt.Sprintf("m-%d", s.nextID),
		ConversationID: conversationID,
		SenderID:       "u-local",
		ReceiverID:     opts.ReceiverID,
		Text:           opts.Text,
		CreatedAt:      time.Now().UTC(),
		ClientRef:      opts.ClientRef,
	}, nil
}

func (s *fakeMessageStore) MarkMessageRead(ctx context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadCalls = append(s.markReadCalls, messageID)
	if s.markReadErr != nil {
		return nil, s.markReadErr
	}
	now := time.Now().UTC()
	return &Message{ID: messageID, IsRead: true, ReadAt: &now}, nil
}

func (s *fakeMessageStore) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyCalls
}

func (s *fakeMessageStore) lastRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sentRefs) == 0 {
		return ""
	}
	return s.sentRefs[len(s.sentRefs)-1]
}

func (s *fakeMessageStore) setBacklog(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = msgs
}

type fakeNotificationStore struct {
	mu           sync.Mutex
	feed         []NotificationRecord
	feedErr      error
	readCalls    []string
	readAllCalls int
}

func (s *fakeNotificationStore) Notifications(ctx context.Context) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feedErr != nil {
		return nil, s.feedErr
	}
	out := make([]NotificationRecord, len(s.feed))
	copy(out, s.feed)
	return out, nil
}

func (s *fakeNotificationStore) MarkNotificationRead(ctx context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls = append(s.readCalls, notificationID)
	return nil
}

func (s *fakeNotificationStore) MarkAllNotificationsRead(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAllCalls++
	return nil
}

func (s *fakeNotificationStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readCalls)
}

// testMessage builds a persisted message in conv-1 addressed to the local
// test user.
func testMessage(id, sender string, at time.Time) Message {
	receiver := "u-local"
	if sender == "u-local" {
		receiver = "u-other"
	}
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           "text " + id,
		CreatedAt:      at,
	}
}
