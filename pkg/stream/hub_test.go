package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryandielhenn/svcreg/pkg/feed"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func read(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m rawMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestHubSendsSnapshotThenNotifications(t *testing.T) {
	hub := NewHub(HubConfig{Snapshot: func() any { return []string{"api-1"} }})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a, b := dial(t, srv), dial(t, srv)
	for _, conn := range []*websocket.Conn{a, b} {
		m := read(t, conn)
		if m.Type != MsgSnapshot || string(m.Payload) != `["api-1"]` {
			t.Fatalf("first message = %s %s", m.Type, m.Payload)
		}
	}
	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}

	hub.Publish(feed.Notification{Type: feed.ServiceJoin, ID: "7", Timestamp: 99, Payload: json.RawMessage(`{"id":"api-2"}`)})

	for _, conn := range []*websocket.Conn{a, b} {
		m := read(t, conn)
		if m.Type != MsgNotification {
			t.Fatalf("message type = %s", m.Type)
		}
		var n feed.Notification
		if err := json.Unmarshal(m.Payload, &n); err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		if n.Type != feed.ServiceJoin || n.ID != "7" || n.Timestamp != 99 || string(n.Payload) != `{"id":"api-2"}` {
			t.Fatalf("notification = %+v", n)
		}
	}
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	if m := read(t, conn); m.Type != MsgSnapshot {
		t.Fatalf("first message = %s", m.Type)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("ClientCount = %d after disconnect", got)
	}
	// publishing with nobody listening is fine
	hub.Publish(feed.Notification{Type: feed.ServiceTimeout, ID: "1"})
}

func TestHubClose(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	read(t, conn)
	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("read after Close succeeded")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d after Close", hub.ClientCount())
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	late, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		late.Close()
		t.Fatalf("dial after Close succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after Close: resp %v, err %v", resp, err)
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d after late dial", hub.ClientCount())
	}
}

type fakeSubscriber map[feed.NotificationType]feed.Handler

func (f fakeSubscriber) Subscribe(t feed.NotificationType, h feed.Handler) func() {
	f[t] = h
	return func() { delete(f, t) }
}

func TestHubAttach(t *testing.T) {
	hub := NewHub(HubConfig{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn := dial(t, srv)
	read(t, conn)

	sub := fakeSubscriber{}
	detach := hub.Attach(sub)
	sub[feed.ServiceTimeout](feed.Notification{Type: feed.ServiceTimeout, ID: "3"})

	if m := read(t, conn); m.Type != MsgNotification || !strings.Contains(string(m.Payload), `"service.timeout"`) {
		t.Fatalf("message = %s %s", m.Type, m.Payload)
	}
	detach()
	if len(sub) != 0 {
		t.Fatalf("handlers left after detach")
	}
}
