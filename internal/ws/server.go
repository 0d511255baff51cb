// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining active sessions, and dispatching
// incoming events to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/harborchat/harbor/internal/auth"
	"github.com/harborchat/harbor/internal/metrics"
	"github.com/harborchat/harbor/internal/protocol"
	"github.com/harborchat/harbor/internal/ratelimit"
	"github.com/harborchat/harbor/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates handshakes against the session registry, registers upgraded
// connections with an epoll instance for I/O readiness notifications, and
// dispatches ready connections to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *connTable
	registry     *session.Registry
	limiter      *ratelimit.Limiter                  // optional handshake/typing throttle
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // event handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, session registry,
// and event callback. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received. The
// limiter may be nil (no handshake throttling).
func NewServer(config ServerConfig, registry *session.Registry, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      newConnTable(),
		registry:   registry,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// credentialFrom extracts the access credential from the handshake request.
// Clients supply it both as a bearer Authorization header and as a token
// query parameter; either path is accepted so transports that cannot set
// headers still authenticate.
func credentialFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// handleUpgrade authenticates and rate limits the handshake, registers a
// session, and upgrades the HTTP connection to WebSocket. A missing or
// invalid credential rejects with 401 and a throttled user with 429, both
// before any session state exists — a rejected handshake must never flap
// the user's presence.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	credential := credentialFrom(r)
	userID, err := s.registry.Identify(credential)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), userID, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	sess, err := s.registry.Accept(r.Context(), credential)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		log.Printf("ws: accept failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", sess.UserID, err)
		s.registry.Release(context.Background(), sess.ID)
		return
	}

	c := &Connection{
		ID:        sess.ID,
		UserID:    sess.UserID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		s.registry.Release(context.Background(), c.ID)
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	created, err := protocol.NewServerEvent(protocol.TypeSessionCreated, protocol.SessionCreatedEvent{
		SessionID: c.ID,
		UserID:    c.UserID,
	})
	if err != nil {
		log.Printf("ws: failed to build session:created for conn=%s: %v", c.ID, err)
	} else if err := c.WriteEvent(created); err != nil {
		log.Printf("ws: failed to send session:created for conn=%s: %v", c.ID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, c.UserID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection table.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It runs before
// the session is released from the registry.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from epoll and the connection table,
// closes the network connection, and releases the session from the registry
// (which drives the presence grace window). Exported so the heartbeat
// monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the table. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.registry.Release(ctx, c.ID)

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Send writes a WebSocket text frame to the connection identified by connID.
// It implements the fanout sender contract and is goroutine-safe thanks to
// the per-connection write mutex.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteEvent(data)

	// Clear write deadline so it doesn't affect future writes (e.g.,
	// heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// connections exposes the connection table to the heartbeat monitor.
func (s *Server) connections() *connTable {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	// Release all sessions and close all active WebSocket connections.
	for _, c := range s.conns.All() {
		relCtx, relCancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.registry.Release(relCtx, c.ID)
		relCancel()
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
