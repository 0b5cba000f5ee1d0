//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Poller is a goroutine-per-connection fallback for non-Linux platforms so
// the server can be developed and tested on macOS/Windows. On Linux the real
// epoll implementation replaces it.
type Poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and spawns a goroutine that periodically
// reports it as ready.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

// monitor signals readiness on a short cadence without touching the stream;
// the read path blocks on the connection itself (bounded by its read
// deadline), so an idle signal costs one timed-out read. Cruder than epoll
// but byte-accurate.
func (p *Poller) monitor(conn net.Conn) {
	for {
		p.mu.RLock()
		_, registered := p.conns[conn]
		p.mu.RUnlock()
		if !registered {
			return
		}

		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}

		select {
		case <-time.After(50 * time.Millisecond):
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a connection.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// without blocking.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts the fallback poller down.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// fdAlloc hands out stable synthetic descriptors on platforms without real
// fds, so the connection table's fd index stays collision-free.
var fdAlloc = struct {
	sync.Mutex
	next int
	ids  map[net.Conn]int
}{next: 1, ids: make(map[net.Conn]int)}

func socketFD(conn net.Conn) int {
	fdAlloc.Lock()
	defer fdAlloc.Unlock()

	if id, ok := fdAlloc.ids[conn]; ok {
		return id
	}
	id := fdAlloc.next
	fdAlloc.next++
	fdAlloc.ids[conn] = id
	return id
}
