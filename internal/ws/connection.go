package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/resource"
)

const defaultSendBuffer = 256

// Connection is one authenticated websocket session.
type Connection struct {
	ID        string
	Principal authz.Principal

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards subs and detached. Always taken before a registry shard lock.
	mu       sync.Mutex
	subs     map[resource.Key]string
	detached bool

	sendMu sync.RWMutex
	send   chan []byte
	open   bool

	closeOnce sync.Once
	onClose   func(*Connection)
}

// NewConnection builds a connection whose context derives from parent.
// conn may be nil for connections that are never attached to a socket.
func NewConnection(parent context.Context, id string, principal authz.Principal, conn *websocket.Conn, sendBuffer int) *Connection {
	if parent == nil {
		parent = context.Background()
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		ID:        id,
		Principal: principal,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[resource.Key]string),
		send:      make(chan []byte, sendBuffer),
		open:      true,
	}
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Outbound is the ordered queue drained by the write pump.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Send enqueues a frame without blocking. It returns false when the
// connection is closed or its queue is full.
func (c *Connection) Send(payload []byte) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if !c.open {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// IsOpen reports whether frames can still be enqueued.
func (c *Connection) IsOpen() bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	return c.open
}

// Close tears the connection down once, however many paths signal it.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.onClose != nil {
			c.onClose(c)
		}
		c.sendMu.Lock()
		c.open = false
		close(c.send)
		c.sendMu.Unlock()
	})
}

// Subscriptions returns a copy of the connection's subscription set.
func (c *Connection) Subscriptions() map[resource.Key]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[resource.Key]string, len(c.subs))
	for key, uri := range c.subs {
		out[key] = uri
	}
	return out
}

// IsSubscribed reports whether key is in the connection's subscription set.
func (c *Connection) IsSubscribed(key resource.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[key]
	return ok
}
