package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/harborchat/harbor/internal/protocol"
)

// testDialer hands out in-memory pipes instead of real sockets and can be
// flipped into a failing mode to drive the reconnect path.
type testDialer struct {
	mu      sync.Mutex
	dials   int
	fail    bool
	servers []net.Conn // server ends of handed-out pipes
}

func (d *testDialer) dial(ctx context.Context, url string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("dial refused")
	}
	client, server := net.Pipe()
	d.servers = append(d.servers, server)
	return client, nil
}

func (d *testDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *testDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *testDialer) lastServer(t *testing.T) net.Conn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.servers) == 0 {
		t.Fatal("no connection was dialed")
	}
	return d.servers[len(d.servers)-1]
}

func (d *testDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.servers {
		c.Close()
	}
}

func testConfig() ManagerConfig {
	return ManagerConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  2,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Test: Connect without a credential fails fast, no dial attempt
// ---------------------------------------------------------------------------

func TestConnect_NoCredential(t *testing.T) {
	dialer := &testDialer{}
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if dialer.count() != 0 {
		t.Errorf("expected no dial attempt, got %d", dialer.count())
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %v", m.State())
	}
}

// ---------------------------------------------------------------------------
// Test: Connect is idempotent while connected
// ---------------------------------------------------------------------------

func TestConnect_Idempotent(t *testing.T) {
	dialer := &testDialer{}
	defer dialer.closeAll()
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)
	m.SetToken("token-1")
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("expected connected state, got %v", m.State())
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error on second connect: %v", err)
	}
	if dialer.count() != 1 {
		t.Errorf("expected 1 dial, got %d", dialer.count())
	}
}

// ---------------------------------------------------------------------------
// Test: a dial failure surfaces from Connect
// ---------------------------------------------------------------------------

func TestConnect_DialError(t *testing.T) {
	dialer := &testDialer{fail: true}
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)
	m.SetToken("token-1")

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected error from failing dial")
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %v", m.State())
	}
	if m.LastError() == nil {
		t.Error("expected LastError to be recorded")
	}
}

// ---------------------------------------------------------------------------
// Test: inbound frames flow through to router handlers
// ---------------------------------------------------------------------------

func TestReadLoop_DispatchesToRouter(t *testing.T) {
	dialer := &testDialer{}
	defer dialer.closeAll()
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)
	m.SetToken("token-1")

	got := make(chan protocol.SessionCreatedEvent, 1)
	m.Router().OnSessionCreated(func(ev protocol.SessionCreatedEvent) {
		got <- ev
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Disconnect()

	data, err := protocol.NewServerEvent(protocol.TypeSessionCreated, protocol.SessionCreatedEvent{
		SessionID: "s-1",
		UserID:    "alice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server := dialer.lastServer(t)
	if err := wsutil.WriteServerMessage(server, ws.OpText, data); err != nil {
		t.Fatalf("failed to write server frame: %v", err)
	}

	select {
	case ev := <-got:
		if ev.SessionID != "s-1" || ev.UserID != "alice" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session:created")
	}
}

// ---------------------------------------------------------------------------
// Test: the attempt cap is terminal, a manual Connect resets it
// ---------------------------------------------------------------------------

func TestReconnect_ExhaustsThenManualConnect(t *testing.T) {
	dialer := &testDialer{}
	defer dialer.closeAll()
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)
	m.SetToken("token-1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Kill the transport and refuse all redials.
	dialer.setFail(true)
	dialer.lastServer(t).Close()

	waitFor(t, "retries to exhaust", func() bool {
		return errors.Is(m.LastError(), ErrRetriesExhausted)
	})
	if m.State() != StateDisconnected {
		t.Errorf("expected terminal disconnected state, got %v", m.State())
	}

	// No further attempts after the terminal state.
	dials := dialer.count()
	time.Sleep(60 * time.Millisecond)
	if dialer.count() != dials {
		t.Errorf("expected no dials after exhaustion, got %d more", dialer.count()-dials)
	}

	// A manual Connect starts over.
	dialer.setFail(false)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error on manual reconnect: %v", err)
	}
	defer m.Disconnect()
	if m.State() != StateConnected {
		t.Errorf("expected connected state, got %v", m.State())
	}
}

// ---------------------------------------------------------------------------
// Test: an intentional Disconnect suppresses reconnection
// ---------------------------------------------------------------------------

func TestDisconnect_SuppressesReconnect(t *testing.T) {
	dialer := &testDialer{}
	defer dialer.closeAll()
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)
	m.SetToken("token-1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %v", m.State())
	}

	// Well past the initial reconnect delay, still exactly one dial.
	time.Sleep(60 * time.Millisecond)
	if dialer.count() != 1 {
		t.Errorf("expected no reconnect after intentional disconnect, got %d dials", dialer.count())
	}
}

// ---------------------------------------------------------------------------
// Test: Disconnect clears registered handlers
// ---------------------------------------------------------------------------

func TestDisconnect_ClearsHandlers(t *testing.T) {
	dialer := &testDialer{}
	defer dialer.closeAll()
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)
	m.SetToken("token-1")

	fired := 0
	m.Router().OnMessageNew(func(protocol.MessageNewEvent) { fired++ })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Disconnect()

	m.Router().dispatch([]byte(`{"type":"message:new","messageId":"m-1","chatId":"chat-1"}`))
	if fired != 0 {
		t.Errorf("expected handlers cleared on disconnect, got %d firings", fired)
	}
}

// ---------------------------------------------------------------------------
// Test: a stalled peer cannot block state queries through Emit
// ---------------------------------------------------------------------------

func TestEmit_StalledWriteDoesNotBlockState(t *testing.T) {
	dialer := &testDialer{}
	defer dialer.closeAll()
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)
	m.SetToken("token-1")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer m.Disconnect()

	// The pipe's peer is not reading, so this write stalls.
	emitted := make(chan struct{})
	go func() {
		m.StartTyping("chat-1")
		close(emitted)
	}()

	// State must still answer while the write is in flight.
	stateCh := make(chan State, 1)
	go func() { stateCh <- m.State() }()
	select {
	case s := <-stateCh:
		if s != StateConnected {
			t.Errorf("expected connected state, got %v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("State() blocked behind a stalled write")
	}

	// Drain the stalled frame so the emit completes.
	server := dialer.lastServer(t)
	if _, err := wsutil.ReadClientText(server); err != nil {
		t.Fatalf("failed to read stalled frame: %v", err)
	}
	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("emit never completed after the peer drained")
	}
}

// ---------------------------------------------------------------------------
// Test: emitting while disconnected is a silent no-op
// ---------------------------------------------------------------------------

func TestEmit_WhileDisconnected(t *testing.T) {
	dialer := &testDialer{}
	m := NewManager("ws://example/ws", testConfig(), dialer.dial)

	// Must not panic or block.
	m.StartTyping("chat-1")
	m.StopTyping("chat-1")
}
