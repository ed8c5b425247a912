package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/chatcore/internal/logger"
)

var (
	ErrBufferFull       = errors.New("connection send buffer full")
	errConnectionClosed = errors.New("connection closed")
)

// Connection is one authenticated WebSocket client.
type Connection struct {
	ID             string
	UserID         string
	ConversationID string
	Conn           *websocket.Conn
	Send           chan []byte

	mu sync.Mutex

	// sendMu guards Send against writes after close
	sendMu     sync.RWMutex
	sendClosed bool
}

func (c *Connection) writeMessage(messageType int, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// trySend queues data without blocking.
func (c *Connection) trySend(data []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return errConnectionClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Hub tracks connections per conversation and delivers room traffic.
type Hub struct {
	log *logger.Logger

	connections map[string]*Connection
	// rooms maps conversation id to connection ids
	rooms map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	deliver    chan Envelope
	done       chan struct{}

	mu sync.RWMutex
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:         log.With("component", "hub"),
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		deliver:     make(chan Envelope, 256),
		done:        make(chan struct{}),
	}
}

// Run processes registrations and deliveries until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				conn.closeSend()
				delete(h.connections, id)
			}
			h.rooms = make(map[string]map[string]bool)
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.ConversationID != "" {
				if h.rooms[conn.ConversationID] == nil {
					h.rooms[conn.ConversationID] = make(map[string]bool)
				}
				h.rooms[conn.ConversationID][conn.ID] = true
			}
			h.mu.Unlock()
			h.log.Debug("connection registered", "conn_id", conn.ID, "user_id", conn.UserID, "conversation_id", conn.ConversationID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if room := h.rooms[conn.ConversationID]; room != nil {
					delete(room, conn.ID)
					if len(room) == 0 {
						delete(h.rooms, conn.ConversationID)
					}
				}
				conn.closeSend()
			}
			h.mu.Unlock()
			h.log.Debug("connection unregistered", "conn_id", conn.ID)

		case env := <-h.deliver:
			var slow []*Connection
			h.mu.RLock()
			for connID := range h.rooms[env.ConversationID] {
				conn, ok := h.connections[connID]
				if !ok || (env.ExcludeUserID != "" && conn.UserID == env.ExcludeUserID) {
					continue
				}
				if err := conn.trySend(env.Data); errors.Is(err, ErrBufferFull) {
					slow = append(slow, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range slow {
				h.log.Warn("connection buffer full, closing", "conn_id", conn.ID)
				go h.Unregister(conn)
			}
		}
	}
}

func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.NewString(),
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Deliver hands a bus envelope to the local room.
func (h *Hub) Deliver(env Envelope) {
	select {
	case h.deliver <- env:
	case <-h.done:
	}
}

func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.trySend(data)
}

// Online reports whether userID has a live connection in the conversation
// on this instance.
func (h *Hub) Online(conversationID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.rooms[conversationID] {
		if c, ok := h.connections[connID]; ok && c.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
