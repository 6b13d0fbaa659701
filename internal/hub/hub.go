// Package hub provides the connection registry: it tracks live client
// connections, fans events out to them, and keeps a bounded replay buffer so
// newly admitted connections can reconstruct recent context.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aidekit/aide/internal/event"
)

// Connection represents one admitted transport session. The registry owns the
// outbound send queue and the open flag; the transport pumps live in the
// connection server and drain Send.
type Connection struct {
	ID       string
	ThreadID string

	// Send is the outbound queue drained by the transport's write pump.
	Send chan []byte

	open         atomic.Bool
	lastActivity atomic.Int64 // unix nanos
}

// NewConnection creates an open connection with a fresh identity.
func NewConnection() *Connection {
	c := &Connection{
		ID:   uuid.New().String(),
		Send: make(chan []byte, 256),
	}
	c.open.Store(true)
	c.Touch()
	return c
}

// Open reports whether the transport is still writable.
func (c *Connection) Open() bool { return c.open.Load() }

// MarkClosed flags the transport as dead. Called by the connection server when
// a pump exits; the next unicast or publish attempt removes the entry.
func (c *Connection) MarkClosed() { c.open.Store(false) }

// Touch records inbound activity for liveness tracking.
func (c *Connection) Touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the most recent inbound frame or probe answer.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Hub is the connection registry. One instance is constructed at startup and
// handed to every component that needs to publish or unicast.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	history     [][]byte
	maxHistory  int
}

// New creates a registry whose replay buffer holds at most maxHistory events.
func New(maxHistory int) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		maxHistory:  maxHistory,
	}
}

// Register adds a connection. Registering an already-present ID is a no-op.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; ok {
		return
	}
	h.connections[conn.ID] = conn
	log.Debug().Str("connection_id", conn.ID).Int("total", len(h.connections)).Msg("connection registered")
}

// Deregister removes a connection and closes its send queue. Safe to call
// multiple times for the same ID.
func (h *Hub) Deregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deregisterLocked(connID)
}

func (h *Hub) deregisterLocked(connID string) {
	conn, ok := h.connections[connID]
	if !ok {
		return
	}
	delete(h.connections, connID)
	conn.MarkClosed()
	close(conn.Send)
	log.Debug().Str("connection_id", connID).Int("total", len(h.connections)).Msg("connection deregistered")
}

// Publish validates and appends the event to the replay buffer, then forwards
// it to every registered connection. Connections whose transport is closed or
// whose queue is full are deregistered rather than allowed to block the bus.
func (h *Hub) Publish(env event.Envelope) error {
	data, err := marshal(env)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, data)
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}

	for id, conn := range h.connections {
		if !h.sendLocked(conn, data) {
			log.Warn().Str("connection_id", id).Msg("send failed during publish, dropping connection")
			h.deregisterLocked(id)
		}
	}
	return nil
}

// Unicast sends the event to exactly one connection. The return value reports
// whether delivery was attempted at the transport level, not that the client
// received it. A connection that is unknown or no longer open counts as dead
// and is removed.
func (h *Hub) Unicast(connID string, env event.Envelope) bool {
	data, err := marshal(env)
	if err != nil {
		log.Error().Err(err).Str("connection_id", connID).Msg("unicast encode failed")
		return false
	}
	return h.UnicastRaw(connID, data)
}

// UnicastRaw sends pre-encoded bytes to one connection.
func (h *Hub) UnicastRaw(connID string, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connID]
	if !ok {
		return false
	}
	if !h.sendLocked(conn, data) {
		log.Warn().Str("connection_id", connID).Msg("send failed during unicast, dropping connection")
		h.deregisterLocked(connID)
		return false
	}
	return true
}

// ReplayTo pushes the current replay buffer to a newly admitted connection in
// original order. Called once on admission, after the welcome event.
func (h *Hub) ReplayTo(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.connections[connID]
	if !ok {
		return
	}
	for _, data := range h.history {
		if !h.sendLocked(conn, data) {
			log.Warn().Str("connection_id", connID).Msg("send failed during replay, dropping connection")
			h.deregisterLocked(connID)
			return
		}
	}
}

func (h *Hub) sendLocked(conn *Connection, data []byte) bool {
	if !conn.Open() {
		return false
	}
	select {
	case conn.Send <- data:
		return true
	default:
		// Queue full: the client is not draining. Treat as dead.
		return false
	}
}

// BindThread associates the connection with a conversation thread.
func (h *Hub) BindThread(connID, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.connections[connID]; ok {
		conn.ThreadID = threadID
	}
}

// Get returns the connection for the given ID, if registered.
func (h *Hub) Get(connID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[connID]
	return conn, ok
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Connections returns a snapshot of the registered connections, for the
// liveness sweep.
func (h *Hub) Connections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	return conns
}

// History returns a copy of the replay buffer contents in order.
func (h *Hub) History() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, len(h.history))
	copy(out, h.history)
	return out
}

func marshal(env event.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
