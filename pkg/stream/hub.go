// Package stream fans feed notifications out to websocket clients.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/pkg/feed"
)

const sendBuffer = 64

type MessageType string

const (
	// MsgSnapshot is sent once to every client right after it connects.
	MsgSnapshot     MessageType = "snapshot"
	MsgNotification MessageType = "notification"
)

type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

// Subscriber is satisfied by *feed.Poller.
type Subscriber interface {
	Subscribe(t feed.NotificationType, h feed.Handler) (unsubscribe func())
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

type HubConfig struct {
	// Snapshot, when set, supplies the payload of the snapshot message.
	Snapshot    func() any
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.Logger
}

// Hub is an http.Handler that upgrades to a websocket and streams every
// published notification as a JSON Message. Clients that fall behind are
// disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	snapshot func() any
	log      *zap.Logger

	mu      sync.RWMutex
	closed  bool
	clients map[*client]struct{}
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		snapshot: cfg.Snapshot,
		log:      logging.OrNop(cfg.Logger).Named("stream"),
		clients:  make(map[*client]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c, ok := h.addClient(conn)
	if !ok {
		return
	}
	h.log.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			h.removeClient(c)
			h.log.Debug("websocket client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Attach publishes every join and timeout notification from s.
func (h *Hub) Attach(s Subscriber) (detach func()) {
	offJoin := s.Subscribe(feed.ServiceJoin, h.Publish)
	offTimeout := s.Subscribe(feed.ServiceTimeout, h.Publish)
	return func() {
		offJoin()
		offTimeout()
	}
}

func (h *Hub) Publish(n feed.Notification) {
	h.broadcast(Message{Type: MsgNotification, Payload: n})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// addClient reports false, and closes conn, when the hub closed during the
// upgrade.
func (h *Hub) addClient(conn *websocket.Conn) (*client, bool) {
	c := newClient(conn)

	msg := Message{Type: MsgSnapshot}
	if h.snapshot != nil {
		msg.Payload = h.snapshot()
	}
	data, _ := json.Marshal(msg)

	// Registering and queueing the snapshot under one lock keeps it ahead
	// of any broadcast.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return nil, false
	}
	h.clients[c] = struct{}{}
	c.send <- data
	return c, true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("broadcast marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		slow := false
		h.mu.RLock()
		if _, live := h.clients[c]; live {
			select {
			case c.send <- data:
			default:
				slow = true
			}
		}
		h.mu.RUnlock()
		if slow {
			h.log.Warn("websocket client too slow, disconnecting")
			h.removeClient(c)
		}
	}
}
