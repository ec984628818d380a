package ws

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // connection ID (UUID)
	UserID     string    // authenticated user ID, assigned at handshake
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor for epoll lookups
	CreatedAt  time.Time // when the connection was established
	LastPing   time.Time // last frame of any kind received from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	subMu           sync.Mutex
	subCancelFuncs  map[string]context.CancelFunc // channel -> cancel for its subscribe loop
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// AddSubscription records the cancel function for a channel subscription.
// Subscribing to a channel already held cancels the prior subscription first.
func (c *Connection) AddSubscription(channel string, cancel context.CancelFunc) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subCancelFuncs == nil {
		c.subCancelFuncs = make(map[string]context.CancelFunc)
	}
	if prev, ok := c.subCancelFuncs[channel]; ok {
		prev()
	}
	c.subCancelFuncs[channel] = cancel
}

// RemoveSubscription cancels and forgets the subscription for channel, if any.
func (c *Connection) RemoveSubscription(channel string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if cancel, ok := c.subCancelFuncs[channel]; ok {
		cancel()
		delete(c.subCancelFuncs, channel)
	}
}

// Channels returns every channel this connection currently subscribes to.
func (c *Connection) Channels() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subCancelFuncs))
	for ch := range c.subCancelFuncs {
		out = append(out, ch)
	}
	return out
}

// CancelAllSubscriptions cancels every subscription held by this connection.
// Used during connection cleanup.
func (c *Connection) CancelAllSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch, cancel := range c.subCancelFuncs {
		cancel()
		delete(c.subCancelFuncs, ch)
	}
}

// ConnectionManager is a thread-safe registry that maps session IDs and file
// descriptors to their respective Connection objects. It supports O(1) lookups
// by both session ID and fd, and tracks a per-user connection count for
// admission limits.
type ConnectionManager struct {
	mu        sync.RWMutex
	byID      map[string]*Connection // connection_id -> Connection
	byFd      map[int]*Connection    // fd -> Connection
	byUser    map[string]int         // user_id -> live connection count
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]int),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	if conn.UserID != "" {
		cm.byUser[conn.UserID]++
	}
	cm.mu.Unlock()
}

// CountForUser returns the number of live connections currently registered
// for userID.
func (cm *ConnectionManager) CountForUser(userID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byUser[userID]
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if conn.UserID != "" {
			cm.byUser[conn.UserID]--
			if cm.byUser[conn.UserID] <= 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// RemoveByFd removes a connection by file descriptor, closes the underlying
// network connection, and removes it from both lookup maps. It returns the
// removed connection, or nil if no connection was registered for that fd.
func (cm *ConnectionManager) RemoveByFd(fd int) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byFd[fd]
	if ok {
		delete(cm.byFd, fd)
		delete(cm.byID, conn.ID)
		if conn.UserID != "" {
			cm.byUser[conn.UserID]--
			if cm.byUser[conn.UserID] <= 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
		return conn
	}
	return nil
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored — failed connections will be cleaned up
// by the epoll event loop when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
