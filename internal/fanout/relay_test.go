package fanout

import (
	"testing"
	"time"
)

// newTestRelay connects to a local NATS instance. Tests that call this helper
// require a running NATS server on localhost:4222.
func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	config := DefaultRelayConfig()
	config.Name = "harbor-test"
	r, err := NewRelay(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestChatSubject(t *testing.T) {
	if got := ChatSubject("chat-42"); got != "chat.events.chat-42" {
		t.Errorf("expected %q, got %q", "chat.events.chat-42", got)
	}
}

func TestRelay_PublishSubscribe(t *testing.T) {
	r := newTestRelay(t)

	received := make(chan []byte, 1)
	if err := r.Subscribe("chat.events.test_roundtrip", func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := r.Publish("chat.events.test_roundtrip", []byte("hello")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("expected %q, got %q", "hello", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRelay_WildcardSubscription(t *testing.T) {
	r := newTestRelay(t)

	received := make(chan []byte, 2)
	if err := r.Subscribe(SubjectChatEvents+".>", func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	if err := r.Publish(ChatSubject("test_wild_a"), []byte("a")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if err := r.Publish(ChatSubject("test_wild_b"), []byte("b")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}
