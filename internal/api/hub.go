package api

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeduel/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Msg is the envelope for every WebSocket message in both directions
type Msg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"matchId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Hub keeps WebSocket clients in per-match rooms. Delivery never blocks:
// a client whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool // matchID -> clients
	clients map[*Client]bool
}

// Client is one authenticated WebSocket connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	username string
	matchID  string // room, guarded by hub.mu
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]bool),
		clients: make(map[*Client]bool),
	}
}

func (h *Hub) newClient(conn *websocket.Conn, userID, username string) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		userID:   userID,
		username: username,
	}
}

// Register adds a connected client
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()
	log.Printf("[Hub] %s connected (%d clients)", c.userID, n)
}

// Unregister removes the client and closes its send channel. It returns the
// room the client was in, if any.
func (h *Hub) Unregister(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return ""
	}
	delete(h.clients, c)
	room := c.matchID
	h.leaveLocked(c)
	close(c.send)
	metrics.WebSocketClients.Dec()
	return room
}

// Join moves the client into matchID's room and returns the room it left
func (h *Hub) Join(c *Client, matchID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := c.matchID
	if prev == matchID {
		return ""
	}
	h.leaveLocked(c)
	room, ok := h.rooms[matchID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[matchID] = room
	}
	room[c] = true
	c.matchID = matchID
	return prev
}

// Leave removes the client from its room and returns the room it left
func (h *Hub) Leave(c *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := c.matchID
	h.leaveLocked(c)
	return prev
}

func (h *Hub) leaveLocked(c *Client) {
	if c.matchID == "" {
		return
	}
	if room, ok := h.rooms[c.matchID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.matchID)
		}
	}
	c.matchID = ""
}

// RoomOf returns the match the client is currently in
func (h *Hub) RoomOf(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.matchID
}

// InRoom reports whether any connection of userID is in matchID's room
func (h *Hub) InRoom(matchID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[matchID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// Publish sends a message to everyone in the match room
func (h *Hub) Publish(matchID, msgType string, data any) {
	h.deliver(matchID, msgType, data, func(*Client) bool { return true })
}

// PublishExcept sends a message to everyone in the room but exceptUserID
func (h *Hub) PublishExcept(matchID, exceptUserID, msgType string, data any) {
	h.deliver(matchID, msgType, data, func(c *Client) bool { return c.userID != exceptUserID })
}

// SendTo sends a message to userID's connections in the room
func (h *Hub) SendTo(matchID, userID, msgType string, data any) {
	h.deliver(matchID, msgType, data, func(c *Client) bool { return c.userID == userID })
}

func (h *Hub) deliver(matchID, msgType string, data any, want func(*Client) bool) {
	b, err := json.Marshal(outMsg{Type: msgType, MatchID: matchID, Data: data})
	if err != nil {
		log.Printf("[Hub] marshal %s failed: %v", msgType, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[matchID] {
		if want(c) {
			h.push(c, b)
		}
	}
}

// Send writes a message to a single connection
func (h *Hub) Send(c *Client, matchID, msgType string, data any) {
	b, err := json.Marshal(outMsg{Type: msgType, MatchID: matchID, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c] {
		h.push(c, b)
	}
}

// push requires h.mu held
func (h *Hub) push(c *Client, b []byte) {
	select {
	case c.send <- b:
	default:
		metrics.DroppedMessages.Inc()
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. Their read pumps unregister them.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound messages to handle until the connection drops
func (c *Client) readPump(handle func(*Client, Msg)) {
	defer c.conn.Close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Msg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.Send(c, "", MsgError, map[string]string{"error": "invalid message"})
			continue
		}
		handle(c, msg)
	}
}
