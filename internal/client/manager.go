// Package client implements the client side of the realtime layer: a managed
// WebSocket connection with bounded automatic reconnection, a typed event
// router, and the view-model merge layer that reconciles optimistic local
// state against authoritative server echoes.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Errors surfaced by the connection manager.
var (
	// ErrNoCredential is returned by Connect when no access token has been
	// set; no network attempt is made.
	ErrNoCredential = errors.New("client: no access credential")

	// ErrRetriesExhausted is reported through the state callback when the
	// reconnect attempt cap is exceeded. A subsequent manual Connect resets
	// the counter.
	ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")
)

// State describes the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DialFunc establishes the underlying transport. Production uses the
// gobwas/ws dialer; tests inject fakes.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// ManagerConfig holds reconnection tuning parameters.
type ManagerConfig struct {
	InitialDelay time.Duration // delay before the first reconnect attempt
	MaxDelay     time.Duration // backoff cap
	MaxAttempts  int           // reconnect attempts before giving up
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// Manager owns the single physical connection for a client session. It is an
// explicitly constructed instance — tests create fresh managers instead of
// resetting shared state. All reconnection control runs through state flags
// under one mutex; at most one reconnect attempt is ever in flight.
type Manager struct {
	serverURL string
	config    ManagerConfig
	dial      DialFunc
	router    *Router

	writeMu sync.Mutex // serializes outbound frames, never held with mu

	mu             sync.Mutex
	token          string
	conn           net.Conn
	state          State
	intentional    bool // Disconnect was called; suppress auto-reconnect
	attempts       int  // consecutive failed reconnect attempts
	reconnectTimer *time.Timer
	lastErr        error
	onState        func(State)
}

// NewManager creates a Manager for the given WebSocket URL. The dial
// function may be nil, in which case the gobwas/ws dialer is used.
func NewManager(serverURL string, config ManagerConfig, dial DialFunc) *Manager {
	m := &Manager{
		serverURL: serverURL,
		config:    config,
		dial:      dial,
		router:    NewRouter(),
	}
	if m.dial == nil {
		m.dial = m.wsDial
	}
	return m
}

// Router returns the event router for handler registration.
func (m *Manager) Router() *Router {
	return m.router
}

// SetToken sets the access credential used for subsequent handshakes.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// OnStateChange registers a callback for connection state transitions. The
// callback is invoked from manager goroutines and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect establishes the connection. It is idempotent: if already
// connected it returns nil immediately. It fails fast with ErrNoCredential
// before any network attempt when no token is set. A manual Connect resets
// the reconnect attempt counter.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return ErrNoCredential
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.intentional = false
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.state = StateConnecting
	m.mu.Unlock()
	m.notify(StateConnecting)

	if err := m.establish(ctx); err != nil {
		m.setState(StateDisconnected)
		return err
	}
	return nil
}

// Disconnect tears down the connection intentionally: it suppresses
// automatic reconnection, cancels any pending reconnect, closes the
// transport, and clears all registered event handlers.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.router.Clear()
	m.notify(StateDisconnected)
}

// Emit sends a JSON event to the server. Emitting while disconnected is a
// silent no-op with a warning log — it never returns an error for the
// caller to handle and never blocks waiting for a connection. The socket
// write runs outside the state lock so a stalled peer cannot block state
// queries or close handling; writeMu keeps frames from interleaving.
func (m *Manager) Emit(event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[client] emit marshal error: %v", err)
		return
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		log.Printf("[client] emit while disconnected, dropping event")
		return
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		log.Printf("[client] emit write error: %v", err)
	}
}

// StartTyping signals that the user started composing in the chat.
func (m *Manager) StartTyping(chatID string) {
	m.Emit(map[string]string{"type": "user:typing", "chatId": chatID})
}

// StopTyping signals that the user stopped composing in the chat.
func (m *Manager) StopTyping(chatID string) {
	m.Emit(map[string]string{"type": "user:stop-typing", "chatId": chatID})
}

// establish dials the transport and starts the read loop on success.
func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	dial := m.dial
	serverURL := m.serverURL
	m.mu.Unlock()

	conn, err := dial(ctx, serverURL)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return fmt.Errorf("client: dial: %w", err)
	}

	m.mu.Lock()
	if m.intentional {
		// Disconnect raced the dial; drop the fresh connection.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()
	m.notify(StateConnected)

	go m.readLoop(conn)
	return nil
}

// readLoop continuously reads frames and dispatches them to the router. It
// exits when the connection errors; an unexpected close schedules a
// reconnect.
func (m *Manager) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.router.dispatch(data)
	}
}

// handleClose runs when the read loop observes a transport failure. An
// intentional disconnect ends here quietly; anything else schedules exactly
// one reconnect attempt, backing off until the attempt cap.
func (m *Manager) handleClose(conn net.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection replaced this one; stale loop, nothing to do.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastErr = err

	if m.intentional {
		m.state = StateDisconnected
		m.mu.Unlock()
		m.notify(StateDisconnected)
		return
	}
	m.mu.Unlock()

	conn.Close()
	m.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. State flags, not
// mutexes, guarantee only one attempt is in flight; a timer is only armed
// when none is pending.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentional || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.config.MaxAttempts {
		m.state = StateDisconnected
		m.lastErr = ErrRetriesExhausted
		m.mu.Unlock()
		log.Printf("[client] giving up after %d reconnect attempts", m.config.MaxAttempts)
		m.notify(StateDisconnected)
		return
	}

	delay := m.config.InitialDelay
	for i := 1; i < m.attempts; i++ {
		delay *= 2
		if delay >= m.config.MaxDelay {
			delay = m.config.MaxDelay
			break
		}
	}
	m.state = StateConnecting
	attempt := m.attempts
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		if m.intentional {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		log.Printf("[client] reconnect attempt %d/%d", attempt, m.config.MaxAttempts)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.establish(ctx); err != nil {
			m.scheduleReconnect()
		}
	})
	m.mu.Unlock()
	m.notify(StateConnecting)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.notify(s)
}

func (m *Manager) notify(s State) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// wsDial is the production dialer. The credential travels both as a bearer
// Authorization header and as a token query parameter so the handshake
// succeeds on transports that strip headers.
func (m *Manager) wsDial(ctx context.Context, rawURL string) (net.Conn, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	d := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}
	conn, br, _, err := d.Dial(ctx, u.String())
	if err != nil {
		return nil, err
	}
	if br != nil {
		// The server may send session:created inside the handshake read
		// buffer; keep reading through it so those bytes are not lost.
		conn = &bufferedConn{Conn: conn, r: br}
	}
	return conn, nil
}

// bufferedConn reads through the handshake's buffered reader, which wraps
// the connection and drains its own buffer first.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
