package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harborchat/harbor/internal/protocol"
	"github.com/harborchat/harbor/internal/session"
)

// fakeMembers serves membership from fixed maps.
type fakeMembers struct {
	participants map[string][]string // chatID -> userIDs
	peers        map[string][]string // userID -> peer userIDs
	err          error
}

func (f *fakeMembers) ParticipantsOf(ctx context.Context, chatID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.participants[chatID], nil
}

func (f *fakeMembers) PeersOf(ctx context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peers[userID], nil
}

// fakeIndex maps users to canned sessions.
type fakeIndex struct {
	sessions map[string][]session.Session
}

func (f *fakeIndex) SessionsFor(userID string) []session.Session {
	return f.sessions[userID]
}

// fakeSender records deliveries per connection.
type fakeSender struct {
	mu        sync.Mutex
	delivered map[string][][]byte // connID -> payloads
	failConns map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		delivered: make(map[string][][]byte),
		failConns: make(map[string]bool),
	}
}

func (f *fakeSender) Send(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConns[connID] {
		return errors.New("connection gone")
	}
	f.delivered[connID] = append(f.delivered[connID], data)
	return nil
}

func (f *fakeSender) count(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered[connID])
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msgs := range f.delivered {
		n += len(msgs)
	}
	return n
}

func sessionsOf(userID string, connIDs ...string) []session.Session {
	out := make([]session.Session, 0, len(connIDs))
	for _, id := range connIDs {
		out = append(out, session.Session{ID: id, UserID: userID})
	}
	return out
}

// twoUserChat builds a broadcaster over one chat ("chat-1") with alice
// (conns a1, a2) and bob (conn b1), no relay.
func twoUserChat() (*Broadcaster, *fakeSender) {
	members := &fakeMembers{
		participants: map[string][]string{
			"chat-1": {"alice", "bob"},
		},
		peers: map[string][]string{
			"alice": {"bob"},
			"bob":   {"alice"},
		},
	}
	index := &fakeIndex{sessions: map[string][]session.Session{
		"alice": sessionsOf("alice", "a1", "a2"),
		"bob":   sessionsOf("bob", "b1"),
	}}
	sender := newFakeSender()
	return NewBroadcaster("proc-1", members, index, sender, nil), sender
}

// ---------------------------------------------------------------------------
// Test: message:new reaches every participant session, sender included
// ---------------------------------------------------------------------------

func TestMessageCreated_DeliversToAllIncludingSender(t *testing.T) {
	b, sender := twoUserChat()

	err := b.MessageCreated(context.Background(), protocol.MessageNewEvent{
		MessageID: "m-1",
		ChatID:    "chat-1",
		SenderID:  "alice",
		Content:   "hi",
		Timestamp: 1757000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, connID := range []string{"a1", "a2", "b1"} {
		if sender.count(connID) != 1 {
			t.Errorf("expected 1 delivery on %s, got %d", connID, sender.count(connID))
		}
	}

	// The wire bytes carry the event type.
	sender.mu.Lock()
	payload := sender.delivered["b1"][0]
	sender.mu.Unlock()
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("delivered bytes do not parse: %v", err)
	}
	if env.Type != protocol.TypeMessageNew {
		t.Errorf("expected type %q, got %q", protocol.TypeMessageNew, env.Type)
	}
}

// ---------------------------------------------------------------------------
// Test: delivery is scoped to the chat's participants
// ---------------------------------------------------------------------------

func TestMessageCreated_ParticipantsOnly(t *testing.T) {
	members := &fakeMembers{
		participants: map[string][]string{"chat-1": {"alice"}},
	}
	index := &fakeIndex{sessions: map[string][]session.Session{
		"alice": sessionsOf("alice", "a1"),
		"carol": sessionsOf("carol", "c1"), // online, but not a participant
	}}
	sender := newFakeSender()
	b := NewBroadcaster("proc-1", members, index, sender, nil)

	err := b.MessageCreated(context.Background(), protocol.MessageNewEvent{
		MessageID: "m-1",
		ChatID:    "chat-1",
		SenderID:  "alice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sender.count("a1") != 1 {
		t.Errorf("expected delivery to participant, got %d", sender.count("a1"))
	}
	if sender.count("c1") != 0 {
		t.Errorf("expected no delivery to non-participant, got %d", sender.count("c1"))
	}
}

// ---------------------------------------------------------------------------
// Test: membership resolution failure surfaces to the caller
// ---------------------------------------------------------------------------

func TestMessageCreated_MembershipError(t *testing.T) {
	members := &fakeMembers{err: errors.New("db down")}
	sender := newFakeSender()
	b := NewBroadcaster("proc-1", members, &fakeIndex{}, sender, nil)

	err := b.MessageCreated(context.Background(), protocol.MessageNewEvent{ChatID: "chat-1"})
	if err == nil {
		t.Fatal("expected error when membership cannot be resolved")
	}
	if sender.total() != 0 {
		t.Errorf("expected no deliveries, got %d", sender.total())
	}
}

// ---------------------------------------------------------------------------
// Test: typing indicators skip the typer's own sessions
// ---------------------------------------------------------------------------

func TestTypingChanged_SkipsTyper(t *testing.T) {
	b, sender := twoUserChat()

	b.TypingChanged("chat-1", "alice", true)

	if sender.count("a1") != 0 || sender.count("a2") != 0 {
		t.Errorf("expected no delivery to the typer, got %d / %d",
			sender.count("a1"), sender.count("a2"))
	}
	if sender.count("b1") != 1 {
		t.Fatalf("expected 1 delivery to bob, got %d", sender.count("b1"))
	}

	sender.mu.Lock()
	payload := sender.delivered["b1"][0]
	sender.mu.Unlock()
	var ev protocol.UserTypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("delivered bytes do not parse: %v", err)
	}
	if ev.UserID != "alice" || ev.ChatID != "chat-1" || !ev.IsTyping {
		t.Errorf("unexpected typing event: %+v", ev)
	}
}

// ---------------------------------------------------------------------------
// Test: presence transitions reach chat peers only
// ---------------------------------------------------------------------------

func TestPresenceChanged_DeliversToPeers(t *testing.T) {
	b, sender := twoUserChat()

	b.PresenceChanged("alice", false, time.Unix(1757000000, 0))

	if sender.count("b1") != 1 {
		t.Fatalf("expected 1 delivery to bob, got %d", sender.count("b1"))
	}
	if sender.count("a1") != 0 {
		t.Errorf("expected no delivery to alice herself, got %d", sender.count("a1"))
	}

	sender.mu.Lock()
	payload := sender.delivered["b1"][0]
	sender.mu.Unlock()
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("delivered bytes do not parse: %v", err)
	}
	if env.Type != protocol.TypeUserOffline {
		t.Errorf("expected type %q, got %q", protocol.TypeUserOffline, env.Type)
	}
}

// ---------------------------------------------------------------------------
// Test: one dead connection does not block the rest of the fanout
// ---------------------------------------------------------------------------

func TestDeliverLocal_ToleratesSendFailure(t *testing.T) {
	b, sender := twoUserChat()
	sender.failConns["a1"] = true

	err := b.MessageCreated(context.Background(), protocol.MessageNewEvent{
		MessageID: "m-1",
		ChatID:    "chat-1",
		SenderID:  "bob",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sender.count("a2") != 1 || sender.count("b1") != 1 {
		t.Errorf("expected remaining connections to receive the event, got a2=%d b1=%d",
			sender.count("a2"), sender.count("b1"))
	}
}

// ---------------------------------------------------------------------------
// Test: an envelope published by this process is not delivered twice
// ---------------------------------------------------------------------------

func TestHandleChatEnvelope_SkipsOwnOrigin(t *testing.T) {
	b, sender := twoUserChat()

	data, err := protocol.NewServerEvent(protocol.TypeMessageNew, protocol.MessageNewEvent{
		MessageID: "m-1",
		ChatID:    "chat-1",
		SenderID:  "alice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	own, _ := json.Marshal(Envelope{
		Origin:  "proc-1", // same as the broadcaster's origin
		ChatID:  "chat-1",
		Type:    protocol.TypeMessageNew,
		Payload: data,
	})
	b.handleChatEnvelope(own)

	if sender.total() != 0 {
		t.Fatalf("expected own-origin envelope to be skipped, got %d deliveries", sender.total())
	}

	foreign, _ := json.Marshal(Envelope{
		Origin:  "proc-2",
		ChatID:  "chat-1",
		Type:    protocol.TypeMessageNew,
		Payload: data,
	})
	b.handleChatEnvelope(foreign)

	if sender.total() != 3 {
		t.Errorf("expected foreign envelope delivered to 3 sessions, got %d", sender.total())
	}
}

// ---------------------------------------------------------------------------
// Test: relayed typing envelopes keep excluding the typer
// ---------------------------------------------------------------------------

func TestHandleChatEnvelope_HonorsSkipUser(t *testing.T) {
	b, sender := twoUserChat()

	data, err := protocol.NewServerEvent(protocol.TypeUserTyping, protocol.UserTypingEvent{
		UserID:   "alice",
		ChatID:   "chat-1",
		IsTyping: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, _ := json.Marshal(Envelope{
		Origin:   "proc-2",
		ChatID:   "chat-1",
		SkipUser: "alice",
		Type:     protocol.TypeUserTyping,
		Payload:  data,
	})
	b.handleChatEnvelope(env)

	if sender.count("a1") != 0 || sender.count("a2") != 0 {
		t.Errorf("expected typer's sessions skipped, got a1=%d a2=%d",
			sender.count("a1"), sender.count("a2"))
	}
	if sender.count("b1") != 1 {
		t.Errorf("expected 1 delivery to bob, got %d", sender.count("b1"))
	}
}

// ---------------------------------------------------------------------------
// Test: relayed presence envelopes reach local peers
// ---------------------------------------------------------------------------

func TestHandlePresenceEnvelope(t *testing.T) {
	b, sender := twoUserChat()

	data, err := protocol.NewServerEvent(protocol.TypeUserOnline, protocol.PresenceEvent{
		UserID:    "alice",
		Timestamp: 1757000000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, _ := json.Marshal(Envelope{
		Origin:  "proc-2",
		UserID:  "alice",
		Type:    protocol.TypeUserOnline,
		Payload: data,
	})
	b.handlePresenceEnvelope(env)

	if sender.count("b1") != 1 {
		t.Errorf("expected 1 delivery to alice's peer, got %d", sender.count("b1"))
	}
	if sender.count("a1") != 0 {
		t.Errorf("expected no delivery to alice herself, got %d", sender.count("a1"))
	}
}

// ---------------------------------------------------------------------------
// Test: Listen with a nil relay is a no-op, not an error
// ---------------------------------------------------------------------------

func TestListen_NilRelay(t *testing.T) {
	b, _ := twoUserChat()
	if err := b.Listen(); err != nil {
		t.Fatalf("expected nil error with nil relay, got %v", err)
	}
}
