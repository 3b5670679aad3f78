package ws

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// Messages queued per client; broadcasts to a full queue are dropped for that client
	sendBuffer = 16
)

// client serializes writes to one connection; gorilla allows a single concurrent writer
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// enqueue hands message to the client's write pump without blocking
func (c *client) enqueue(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub manages WebSocket connections receiving analysis results and status updates
type Hub struct {
	clients map[*websocket.Conn]*client
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]*client),
	}
}

// register adds a connection
func (h *Hub) register(conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := newClient(conn)
	h.clients[conn] = c
	log.Printf("[WS] Client registered (total: %d)", len(h.clients))
	go h.writePump(c)
	return c
}

// writePump delivers queued messages to one client
func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Printf("[WS] Error sending to client: %v", err)
				h.Unregister(c.conn)
				c.conn.Close()
				return
			}
		}
	}
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[conn]; ok {
		c.stop()
		delete(h.clients, conn)
		log.Printf("[WS] Client unregistered (total: %d)", len(h.clients))
	}
}

// HasClients returns true if any client is connected
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a text message for every client. It never waits on a
// connection: a client whose queue is full misses the message.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		if !c.enqueue(message) {
			log.Printf("[WS] Client too slow, dropped message (%d so far)", c.dropped.Load())
		}
	}
}

// BroadcastResult sends an analysis result to all clients
func (h *Hub) BroadcastResult(msg *ResultMessage) {
	h.broadcastJSON(msg)
}

// BroadcastStatus sends a status update to all clients
func (h *Hub) BroadcastStatus(msg *StatusMessage) {
	h.broadcastJSON(msg)
}

func (h *Hub) broadcastJSON(msg any) {
	if !h.HasClients() {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] Error marshaling message: %v", err)
		return
	}
	h.Broadcast(data)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		c.stop()
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		delete(h.clients, conn)
	}
}
