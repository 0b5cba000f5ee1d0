package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one live WebSocket client connection. The hub refers to it only by
// its ID; the transport layer owns the lifecycle.
type Conn struct {
	ID        string   // connection id (UUID), the hub's lookup key
	NetConn   net.Conn // underlying TCP connection
	Fd        int      // file descriptor for poller lookups
	RemoteIP  string   // client IP, for connect rate limiting
	CreatedAt time.Time

	lastActive int64      // unix nanos of the last successful read, atomic
	writeMu    sync.Mutex // serializes outbound frames
	reading    int32      // atomic flag guarding duplicate poller dispatch
}

// touch records read activity. Read workers write it; the heartbeat sweep
// reads it concurrently.
func (c *Conn) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last successful read.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// WriteFrame sends a text frame to the client. Safe for concurrent use.
func (c *Conn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.NetConn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.NetConn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.NetConn.Close()
}

// Table is the transport's thread-safe index of live connections, keyed by
// connection id and by file descriptor.
type Table struct {
	mu   sync.RWMutex
	byID map[string]*Conn
	byFd map[int]*Conn
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{
		byID: make(map[string]*Conn),
		byFd: make(map[int]*Conn),
	}
}

// Add registers a connection under both keys.
func (t *Table) Add(c *Conn) {
	t.mu.Lock()
	t.byID[c.ID] = c
	t.byFd[c.Fd] = c
	t.mu.Unlock()
}

// Remove drops the connection by id and closes the socket. It reports
// whether the connection was still present, so racing removers (read error
// vs. heartbeat timeout) clean up exactly once.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	c, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byFd, c.Fd)
	}
	t.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (t *Table) Get(id string) *Conn {
	t.mu.RLock()
	c := t.byID[id]
	t.mu.RUnlock()
	return c
}

// GetByFd returns the connection for a file descriptor, or nil.
func (t *Table) GetByFd(fd int) *Conn {
	t.mu.RLock()
	c := t.byFd[fd]
	t.mu.RUnlock()
	return c
}

// GetByNetConn resolves a net.Conn back to its Conn via the fd.
func (t *Table) GetByNetConn(nc net.Conn) *Conn {
	return t.GetByFd(socketFD(nc))
}

// Count returns the number of live connections.
func (t *Table) Count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}

// All returns a snapshot of the live connections.
func (t *Table) All() []*Conn {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.byID))
	for _, c := range t.byID {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	return conns
}

// Broadcast writes a frame to every live connection. Individual write errors
// are ignored; dead connections are evicted by the poller or heartbeat.
func (t *Table) Broadcast(data []byte) {
	for _, c := range t.All() {
		_ = c.WriteFrame(data)
	}
}
