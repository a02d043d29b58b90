// Package wshub binds authenticated WebSocket connections to lobby
// participants and fans committed events out to them. Delivery is best-effort
// per connection: sends are queued on a bounded per-connection channel and a
// connection that cannot keep up is dropped, forcing the client to
// resynchronize from a snapshot on reconnect.
package wshub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/k-okoli/type-of-faith/internal/events"
)

const sendQueueSize = 64

// Client represents a single WebSocket connection in the hub.
type Client struct {
	UserID  string
	LobbyID string
	Send    chan []byte

	conn   *websocket.Conn
	cancel context.CancelFunc
	once   sync.Once
}

func NewClient(userID, lobbyID string, conn *websocket.Conn, cancel context.CancelFunc) *Client {
	return &Client{
		UserID:  userID,
		LobbyID: lobbyID,
		Send:    make(chan []byte, sendQueueSize),
		conn:    conn,
		cancel:  cancel,
	}
}

// Close tears the connection down once; the read loop observes it and runs
// its usual disconnect path.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusPolicyViolation, "connection dropped")
		}
	})
}

// WritePump reads from the Send channel and writes to the WebSocket
// connection until the channel or context closes.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// Hub manages the per-lobby connection registry.
type Hub struct {
	mu      sync.RWMutex
	lobbies map[string]map[string]*Client
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		lobbies: make(map[string]map[string]*Client),
		log:     log.With().Str("component", "wshub").Logger(),
	}
}

// Register adds a client, replacing (and closing) any previous connection of
// the same user in the same lobby. Returns the replaced client, if any.
func (h *Hub) Register(c *Client) *Client {
	h.mu.Lock()
	clients, ok := h.lobbies[c.LobbyID]
	if !ok {
		clients = make(map[string]*Client)
		h.lobbies[c.LobbyID] = clients
	}
	old := clients[c.UserID]
	clients[c.UserID] = c
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return old
}

// Unregister removes a client if it is still the current connection for its
// user; a stale unregister after a reconnect replaced it is a no-op.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.lobbies[c.LobbyID]
	if !ok || clients[c.UserID] != c {
		return false
	}
	delete(clients, c.UserID)
	close(c.Send)
	if len(clients) == 0 {
		delete(h.lobbies, c.LobbyID)
	}
	return true
}

// Broadcast queues an event for every connection in a lobby, in call order.
// A connection whose queue is full is closed rather than allowed to stall
// the others.
func (h *Hub) Broadcast(lobbyID string, ev events.ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("marshaling event")
		return
	}

	// Sends are non-blocking, so the read lock is held across them; this
	// keeps Unregister from closing a Send channel mid-broadcast.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.lobbies[lobbyID] {
		select {
		case c.Send <- data:
		default:
			h.log.Warn().Str("lobby", lobbyID).Str("user", c.UserID).Msg("send queue full, dropping connection")
			c.Close()
		}
	}
}

// SendTo queues an event for one connection only, used for the snapshot a
// client receives right after connecting.
func (h *Hub) SendTo(c *Client, ev events.ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("marshaling event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.lobbies[c.LobbyID][c.UserID] != c {
		return
	}
	select {
	case c.Send <- data:
	default:
		c.Close()
	}
}

// Count reports how many connections a lobby currently has.
func (h *Hub) Count(lobbyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lobbies[lobbyID])
}
