package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rzbill/relay/internal/fanout"
	"github.com/rzbill/relay/pkg/log"
)

// outbound is one queued frame. ack, when set, fires after the frame has
// been written to the socket.
type outbound struct {
	frame []byte
	ack   func()
}

// Connection is one client WebSocket. Outbound messages go through the
// buffered send channel; the write pump is the only goroutine touching the
// socket for writes. The send channel is never closed, so producers can
// race close() safely; quit tells the write pump to stop and the channel is
// reclaimed by GC.
type Connection struct {
	ID        string
	SessionID string
	UserID    string

	ws   *websocket.Conn
	send chan outbound
	quit chan struct{}

	mu     sync.Mutex
	sub    *fanout.Subscription
	closed bool
}

// Enqueue queues an outbound frame. Returns false when the connection is
// gone or the client cannot keep up and the frame is dropped.
func (c *Connection) Enqueue(b []byte) bool {
	return c.enqueue(outbound{frame: b})
}

// enqueueAcked queues a frame whose ack runs once the write pump has put it
// on the wire. A dropped frame is never acked.
func (c *Connection) enqueueAcked(b []byte, ack func()) bool {
	return c.enqueue(outbound{frame: b, ack: ack})
}

func (c *Connection) enqueue(o outbound) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- o:
		return true
	default:
		return false
	}
}

// attach hands the connection a fan-out subscription to close on teardown.
// When the connection is already closed the subscription is closed right
// away instead of leaking.
func (c *Connection) attach(sub *fanout.Subscription) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return
	}
	old := c.sub
	c.sub = sub
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	close(c.quit)
	_ = c.ws.Close()
}

// Hub tracks the node's live connections by session.
type Hub struct {
	lg log.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewHub builds an empty hub.
func NewHub(lg log.Logger) *Hub {
	return &Hub{lg: lg.WithComponent("hub"), conns: make(map[string]*Connection)}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	h.lg.Debug("connection registered", log.Str("conn_id", c.ID), log.Str("session_id", c.SessionID))
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()
	c.close()
	h.lg.Debug("connection unregistered", log.Str("conn_id", c.ID))
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll tears every connection down, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
