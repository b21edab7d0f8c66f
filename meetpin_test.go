package meetpin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okJSON(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func errJSON(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: message}})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL))
}

func TestClientHistory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" || r.URL.Path != "/conversations/conv-1/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("expected limit=25, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header: %q", got)
		}
		okJSON(t, w, []Message{
			{ID: "m-1", ConversationID: "conv-1", Text: "hi", CreatedAt: time.Now().UTC()},
		})
	})

	msgs, err := client.History(context.Background(), "conv-1", 25)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-1" {
		t.Errorf("unexpected backlog: %+v", msgs)
	}
}

func TestClientSendMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/conversations/conv-1/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var opts SendOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if opts.Text != "hello" || opts.ReceiverID != "u-2" || opts.ClientRef != "ref-1" {
			t.Errorf("unexpected body: %+v", opts)
		}
		okJSON(t, w, Message{
			ID:             "m-42",
			ConversationID: "conv-1",
			ReceiverID:     opts.ReceiverID,
			Text:           opts.Text,
			ClientRef:      opts.ClientRef,
			CreatedAt:      time.Now().UTC(),
		})
	})

	msg, err := client.SendMessage(context.Background(), "conv-1", &SendOptions{
		Text: "hello", ReceiverID: "u-2", ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m-42" || msg.ClientRef != "ref-1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestClientMarkMessageRead(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PATCH" || r.URL.Path != "/messages/m-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]bool
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body["isRead"] {
			t.Errorf("expected isRead=true body, got %v (%v)", body, err)
		}
		now := time.Now().UTC()
		okJSON(t, w, Message{ID: "m-1", IsRead: true, ReadAt: &now})
	})

	msg, err := client.MarkMessageRead(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !msg.IsRead || msg.ReadAt == nil {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestClientNotifications(t *testing.T) {
	var readAll bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /notifications":
			okJSON(t, w, []NotificationRecord{
				{ID: "n-1", RecipientID: "u-1", MessageID: "m-1", IsRead: false},
			})
		case "PATCH /notifications/read-all":
			readAll = true
			okJSON(t, w, nil)
		case "PATCH /notifications/n-1":
			okJSON(t, w, nil)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	records, err := client.Notifications(context.Background())
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(records) != 1 || records[0].ID != "n-1" {
		t.Errorf("unexpected feed: %+v", records)
	}

	if err := client.MarkNotificationRead(context.Background(), "n-1"); err != nil {
		t.Fatalf("mark notification read: %v", err)
	}
	if err := client.MarkAllNotificationsRead(context.Background()); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if !readAll {
		t.Error("read-all endpoint not hit")
	}
}

func TestClientAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		errJSON(w, "not_found", "no such conversation")
	})

	_, err := client.History(context.Background(), "conv-404", 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "not_found" {
		t.Errorf("unexpected code: %s", apiErr.Code)
	}
}

func TestClientOptions(t *testing.T) {
	hc := &http.Client{}
	c := NewClient("tok", WithBaseURL("https://example.com/"), WithHTTPClient(hc), WithTimeout(5*time.Second))
	if c.BaseURL() != "https://example.com" {
		t.Errorf("base url not trimmed: %s", c.BaseURL())
	}
	if c.httpClient != hc {
		t.Error("custom http client not installed")
	}
	if hc.Timeout != 5*time.Second {
		t.Errorf("timeout not applied: %v", hc.Timeout)
	}
}
