package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
)

// WebSocket constants.
const (
	sendBufferSize = 256
	maxMessageSize = 1024
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub tracks connected viewers and pushes channel state to them.
type Hub struct {
	svc       *control.Service
	rateLimit rate.Limit
	rateBurst int

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// Client is one connected viewer.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
}

// NewHub creates a hub. Inbound messages are limited to limit per second per viewer.
func NewHub(svc *control.Service, limit float64, burst int) *Hub {
	return &Hub{
		svc:       svc,
		rateLimit: rate.Limit(limit),
		rateBurst: burst,
		clients:   make(map[*Client]struct{}),
	}
}

// Register adds a client and sends it the full channel state.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	log.Debug().Str("client", client.id).Int("clients", count).Msg("WebSocket client connected")

	data, err := control.Status(h.svc.Snapshot()...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode channel status")
		return
	}
	client.trySend(data)
}

// Unregister removes a client. Only the caller that removes it closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	log.Debug().Str("client", client.id).Int("clients", count).Msg("WebSocket client disconnected")
}

// Broadcast sends data to every client.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// HandleEvent is an eventbus handler that pushes every successful change.
func (h *Hub) HandleEvent(e eventbus.Event) {
	if e.Type != eventbus.EventTypeChange || !e.OK {
		return
	}

	data, err := control.Status(e.Command)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode channel status")
		return
	}
	h.Broadcast(data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(s.hub.rateLimit, s.hub.rateBurst),
	}

	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump applies every text frame as a wire message.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			log.Warn().Str("client", c.id).Msg("Dropped message: rate limit exceeded")
			continue
		}

		// Malformed messages are logged by the service; the connection stays open.
		_ = c.hub.svc.ApplyText(string(message), "ws:"+c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// trySend drops the message when the client is slow or already gone.
func (c *Client) trySend(data []byte) {
	defer func() {
		recover() // send on a channel closed by Unregister
	}()

	select {
	case c.send <- data:
	default:
		log.Debug().Str("client", c.id).Msg("WebSocket client buffer full, dropping message")
	}
}
