// Package meetpin provides the Go client for the MeetPin realtime messaging
// core: the persisted-message store API plus a realtime session multiplexing
// conversation, presence, typing, and notification topics over one socket.
//
// Example:
//
//	client := meetpin.NewClient(token)
//	session := meetpin.NewSession(client.BaseURL(), &meetpin.SessionConfig{
//		Token:  token,
//		UserID: "u-1", DisplayName: "Mina",
//	})
//	_ = session.Connect(ctx)
//
//	conv := meetpin.NewConversation(session, client, "conv-1", "u-2")
//	_, _ = conv.Send(ctx, "hello")
package meetpin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.meetpin.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Store Interfaces
// ============================================================================

// MessageStore is the persisted-message collaborator used by a Conversation.
// *Client implements it against the REST API.
type MessageStore interface {
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, conversationID string, opts *SendOptions) (*Message, error)
	MarkMessageRead(ctx context.Context, messageID string) (*Message, error)
}

// NotificationStore is the backing store for a NotificationFeed.
type NotificationStore interface {
	Notifications(ctx context.Context) ([]NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the MeetPin store API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new store client. The token is the caller's session
// token; auth itself is handled elsewhere.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the session token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, fmt.Errorf("store request %s %s failed", method, path)
	}
	return &res, nil
}

// ============================================================================
// Messages API
// ============================================================================

// History fetches the ordered backlog for a conversation, oldest first.
// The backlog is authoritative: callers replace local state with it wholesale.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": strconv.Itoa(limit)}
	}
	res, err := c.do(ctx, "GET", "/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode backlog: %w", err)
	}
	return msgs, nil
}

// SendMessage persists a new message and returns the canonical record. The
// store echoes opts.ClientRef back on the returned message and on the
// row-change insert event it emits.
func (c *Client) SendMessage(ctx context.Context, conversationID string, opts *SendOptions) (*Message, error) {
	res, err := c.do(ctx, "POST", "/conversations/"+conversationID+"/messages", opts, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// MarkMessageRead flips isRead on a persisted message. Idempotent server-side.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) (*Message, error) {
	res, err := c.do(ctx, "PATCH", "/messages/"+messageID, map[string]bool{"isRead": true}, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// ============================================================================
// Notifications API
// ============================================================================

// Notifications fetches the caller's notification feed, newest first.
func (c *Client) Notifications(ctx context.Context) ([]NotificationRecord, error) {
	res, err := c.do(ctx, "GET", "/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	var records []NotificationRecord
	if err := res.Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}
	return records, nil
}

// MarkNotificationRead acknowledges one notification.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	_, err := c.do(ctx, "PATCH", "/notifications/"+notificationID, map[string]bool{"isRead": true}, nil)
	return err
}

// MarkAllNotificationsRead acknowledges every unread notification.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.do(ctx, "PATCH", "/notifications/read-all", nil, nil)
	return err
}
