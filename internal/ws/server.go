// Package ws is the hub's transport layer: it upgrades HTTP connections to
// WebSocket, watches them for readable frames through an epoll-backed poller,
// reads frames on a bounded worker pool, and hands complete frames and
// disconnects to the hub.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts WebSocket connections and feeds complete text frames to the
// onFrame callback from worker goroutines. The hub registers onClose to
// observe transport-level disconnects.
type Server struct {
	config     ServerConfig
	poller     *Poller
	table      *Table
	limiter    *ratelimit.Limiter // optional per-IP connect limiter
	workerPool chan struct{}
	onFrame    func(conn *Conn, data []byte)
	onClose    func(connID string)
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	bufPool    sync.Pool
}

// NewServer creates a Server. onFrame is invoked from a worker goroutine for
// every complete text frame; limiter may be nil to disable connect limiting.
func NewServer(config ServerConfig, limiter *ratelimit.Limiter, onFrame func(conn *Conn, data []byte)) *Server {
	return &Server{
		config:     config,
		table:      NewTable(),
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onFrame:    onFrame,
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// SetOnClose registers a callback invoked after a connection is removed from
// the table, before the socket is torn down elsewhere. The hub uses it to
// run its disconnect pipeline.
func (s *Server) SetOnClose(fn func(connID string)) {
	s.onClose = fn
}

// Start initializes the poller, mounts the HTTP endpoints, launches the
// event loop and heartbeat, and blocks serving HTTP.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.eventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to WebSocket, applies the connect
// rate limit, and registers the connection with the table and poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.table.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		allowed, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			http.Error(w, "connect rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Conn{
		ID:        uuid.New().String(),
		NetConn:   conn,
		Fd:        socketFD(conn),
		RemoteIP:  ip,
		CreatedAt: time.Now(),
	}
	c.touch()

	s.table.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.table.Remove(c.ID)
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.table.Count()))
	log.Printf("ws: new connection conn=%s ip=%s (total=%d)", c.ID, ip, s.table.Count())
}

// handleHealth reports liveness plus connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.table.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop runs the poller wait loop, dispatching each ready connection to
// a worker goroutine bounded by the pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(conn)
			}()
		}
	}
}

// readFrame reads a single WebSocket frame from a ready connection, using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive. Read failures remove the connection.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.table.GetByNetConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.reading, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.reading, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch); the heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConn(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConn(c)
		}
		return
	}

	// Frames are parsed and copied synchronously downstream, so the read
	// buffer can be pooled across frames.
	bufPtr := s.bufPool.Get().(*[]byte)
	defer s.bufPool.Put(bufPtr)
	if int64(cap(*bufPtr)) < header.Length {
		*bufPtr = make([]byte, header.Length)
	}
	data := (*bufPtr)[:header.Length]
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConn(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onFrame != nil {
		s.onFrame(c, data)
	}
}

// RemoveConn removes a connection from the poller and the table, closing the
// socket and notifying the hub. Exported so the heartbeat can evict dead
// connections.
func (s *Server) RemoveConn(c *Conn) {
	_ = s.poller.Remove(c.NetConn)

	// Racing removers (read error vs heartbeat) clean up exactly once.
	if !s.table.Remove(c.ID) {
		return
	}

	if s.onClose != nil {
		s.onClose(c.ID)
	}

	metrics.ConnectionsTotal.Set(float64(s.table.Count()))
	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.table.Count())
}

// Send writes a text frame to the connection identified by connID.
func (s *Server) Send(connID string, data []byte) error {
	c := s.table.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.NetConn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteFrame(data)

	// Clear the deadline so it does not affect later writes (heartbeat pings).
	_ = c.NetConn.SetWriteDeadline(time.Time{})

	return err
}

// Broadcast writes a frame to every live connection.
func (s *Server) Broadcast(data []byte) {
	s.table.Broadcast(data)
}

// Table exposes the connection table (heartbeat, tests).
func (s *Server) Table() *Table {
	return s.table
}

// Shutdown stops the listener and event loop and closes all connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.table.All() {
		_ = s.poller.Remove(c.NetConn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP extracts the client address, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks for an interrupted syscall, which is expected during signal
// handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
