// Package fanout distributes lifecycle events to every relevant live
// session, locally and across processes. Local delivery goes straight to the
// connection registry; cross-process delivery rides NATS subjects keyed by
// chat, with each process re-resolving membership against its own sessions.
package fanout

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns for cross-process fanout.
const (
	// SubjectChatEvents carries message and typing events, one subject per
	// chat: chat.events.<chat_id>.
	SubjectChatEvents = "chat.events"

	// SubjectPresenceEvents carries presence transitions for all users.
	SubjectPresenceEvents = "presence.events"
)

// ChatSubject returns the NATS subject for a chat's event stream.
func ChatSubject(chatID string) string {
	return SubjectChatEvents + "." + chatID
}

// RelayConfig holds NATS connection settings.
type RelayConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:           "nats://localhost:4222",
		Name:          "harbor",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Relay wraps the NATS connection used for cross-process fanout. It is
// optional everywhere it appears: a nil Relay means single-process
// deployment with local delivery only.
type Relay struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewRelay connects to NATS with the given config and returns a ready relay.
// It returns an error if the initial connection fails.
func NewRelay(config RelayConfig) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[relay] disconnected: %v", err)
			} else {
				log.Printf("[relay] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[relay] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[relay] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("fanout: nats connect: %w", err)
	}

	log.Printf("[relay] connected to %s", nc.ConnectedUrl())

	return &Relay{conn: nc}, nil
}

// Publish sends data to the given NATS subject.
func (r *Relay) Publish(subject string, data []byte) error {
	return r.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject (wildcards allowed)
// and tracks the subscription for drain on Close.
func (r *Relay) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("fanout: nats subscribe %s: %w", subject, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and the NATS connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[relay] drain %s: %v", sub.Subject, err)
		}
	}
	r.subs = nil

	if err := r.conn.Drain(); err != nil {
		log.Printf("[relay] connection drain: %v", err)
	}

	log.Printf("[relay] closed")
}
