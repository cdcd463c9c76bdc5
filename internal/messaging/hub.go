package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Hub pushes notifications to the app over websockets. A user may hold
// several connections; each gets every notification addressed to the user.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*wsClient]struct{}
	stopped  bool
	upgrader websocket.Upgrader
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Name implements Transport.
func (h *Hub) Name() string { return "websocket" }

// Send implements Transport. It returns ErrNoAddress when the user has no
// open connection.
func (h *Hub) Send(ctx context.Context, user models.User, p models.NotificationPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return ErrServiceStopped
	}
	queued := 0
	for c := range h.clients[user.ID] {
		select {
		case c.send <- b:
			queued++
		default:
			slog.Warn("Hub.Send: connection buffer full, dropping notification", "userID", user.ID, "type", p.Type)
		}
	}
	if queued == 0 {
		return ErrNoAddress
	}
	slog.Debug("Hub.Send: pushed", "userID", user.ID, "type", p.Type, "connections", queued)
	return nil
}

// Connected reports how many connections userID holds.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeHTTP upgrades the request and subscribes the connection to the
// notifications of the user_id query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub.ServeHTTP: upgrade failed", "userID", userID, "error", err)
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, DefaultChannelBufferSize), userID: userID}
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*wsClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	slog.Debug("Hub.register: client connected", "userID", c.userID, "connections", len(h.clients[c.userID]))
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	slog.Debug("Hub.unregister: client disconnected", "userID", c.userID)
}

// Stop closes every connection and rejects new ones.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	for userID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, userID)
	}
	slog.Info("Hub.Stop: all websocket clients closed")
	return nil
}

// readPump only keeps the read deadline alive; clients do not send anything.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker((pongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
