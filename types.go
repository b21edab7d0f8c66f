package meetpin

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the store API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic store API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Types
// ============================================================================

// Message is one persisted chat message. Immutable once confirmed except for
// IsRead/ReadAt. ClientRef is the client-generated correlation id echoed back
// by the store so an optimistic echo can be reconciled with its canonical row.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	ReceiverID     string     `json:"receiverId"`
	SenderName     string     `json:"senderName,omitempty"`
	Text           string     `json:"text"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ClientRef      string     `json:"clientRef,omitempty"`
}

// SendOptions is the body of POST /conversations/{id}/messages.
type SendOptions struct {
	Text       string `json:"text"`
	ReceiverID string `json:"receiverId"`
	ClientRef  string `json:"clientRef,omitempty"`
}

// PresenceRecord is one active connection on a topic. A user with several
// devices holds several records sharing UserID.
type PresenceRecord struct {
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	ConnectionRef string    `json:"connectionRef"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

// TypingEvent is an ephemeral typing signal. Never persisted; consumers drop
// it once Timestamp is older than the typing TTL.
type TypingEvent struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// NotificationRecord is one entry in a recipient's notification feed.
type NotificationRecord struct {
	ID             string    `json:"id"`
	RecipientID    string    `json:"recipientId"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderName     string    `json:"senderName,omitempty"`
	Text           string    `json:"text,omitempty"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ============================================================================
// Wire Format
// ============================================================================

// Event classes carried on a topic.
const (
	classRowChange = "row_change"
	classBroadcast = "broadcast"
	classPresence  = "presence"
	classSystem    = "system"
)

// Row-change events.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Broadcast events.
const (
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)

// Presence events.
const (
	EventPresenceSync  = "sync"
	EventPresenceJoin  = "join"
	EventPresenceLeave = "leave"
)

// Envelope is the wire format for all inbound realtime events.
type Envelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Table   string          `json:"table,omitempty"`
	Filter  string          `json:"filter,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Row     json.RawMessage `json:"row,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
}

// Command is a client-to-server message on the realtime socket.
type Command struct {
	Action  string      `json:"action"`
	Topic   string      `json:"topic,omitempty"`
	Event   string      `json:"event,omitempty"`
	Ref     string      `json:"ref,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// ConversationTopic names the pub/sub topic carrying one conversation.
func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// UserTopic names the per-user topic carrying notification fanout.
func UserTopic(userID string) string {
	return "user:" + userID
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by operations that need a live socket.
	ErrNotConnected = errors.New("meetpin: not connected")
	// ErrEmptyMessage is returned when sending blank text.
	ErrEmptyMessage = errors.New("meetpin: message text is empty")
	// ErrMessageTooLong is returned when text exceeds MaxMessageLength.
	ErrMessageTooLong = errors.New("meetpin: message text too long")
	// ErrNotReceiver is returned by MarkRead on a message the local user sent.
	ErrNotReceiver = errors.New("meetpin: only the receiver can mark a message read")
	// ErrUnknownMessage is returned by MarkRead for an id not in the list.
	ErrUnknownMessage = errors.New("meetpin: unknown message id")
	// ErrClosed is returned by operations on a closed conversation or feed.
	ErrClosed = errors.New("meetpin: closed")
)

// MaxMessageLength bounds outgoing message text.
const MaxMessageLength = 4000

// SendError reports a failed persisted write. The optimistic entry identified
// by ClientRef has been removed from the rendered list; the caller decides
// whether to retry.
type SendError struct {
	ClientRef string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("meetpin: send failed (ref %s): %v", e.ClientRef, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
