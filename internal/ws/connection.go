package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string     // connection ID (matches the session registry)
	UserID     string     // authenticated user
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last activity observed from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteEvent sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteEvent(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// connTable is the transport-level registry mapping connection IDs and file
// descriptors to Connection objects. The user-level index lives in the
// session registry; this table only serves the epoll read path and outbound
// writes.
type connTable struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

func newConnTable() *connTable {
	return &connTable{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (t *connTable) Add(conn *Connection) {
	t.mu.Lock()
	t.byID[conn.ID] = conn
	t.byFd[conn.Fd] = conn
	t.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (t *connTable) Remove(id string) bool {
	t.mu.Lock()
	conn, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byFd, conn.Fd)
	}
	t.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (t *connTable) Get(id string) *Connection {
	t.mu.RLock()
	conn := t.byID[id]
	t.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (t *connTable) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	t.mu.RLock()
	conn := t.byFd[fd]
	t.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (t *connTable) Count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate without
// holding the lock.
func (t *connTable) All() []*Connection {
	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.byID))
	for _, conn := range t.byID {
		conns = append(conns, conn)
	}
	t.mu.RUnlock()
	return conns
}
