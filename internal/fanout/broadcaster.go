package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/harborchat/harbor/internal/metrics"
	"github.com/harborchat/harbor/internal/protocol"
	"github.com/harborchat/harbor/internal/session"
)

// resolveTimeout bounds membership lookups made from emitter callbacks that
// carry no caller context.
const resolveTimeout = 3 * time.Second

// Members resolves persisted chat membership. Implemented by the PostgreSQL
// membership store; tests use fakes.
type Members interface {
	ParticipantsOf(ctx context.Context, chatID string) ([]string, error)
	PeersOf(ctx context.Context, userID string) ([]string, error)
}

// SessionIndex resolves a user to their live local sessions. Implemented by
// the session registry.
type SessionIndex interface {
	SessionsFor(userID string) []session.Session
}

// Sender writes wire bytes to a local connection. Implemented by the
// WebSocket server.
type Sender interface {
	Send(connID string, data []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(connID string, data []byte) error

// Send implements Sender.
func (f SenderFunc) Send(connID string, data []byte) error {
	return f(connID, data)
}

// Envelope is the cross-process wrapper around a wire event. Origin lets a
// subscriber skip envelopes it published itself; SkipUser excludes the
// originating user's sessions on every process (typing indicators never echo
// to the typer).
type Envelope struct {
	Origin   string          `json:"origin"`
	ChatID   string          `json:"chatId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	SkipUser string          `json:"skipUser,omitempty"`
	Type     string          `json:"eventType"`
	Payload  json.RawMessage `json:"payload"`
}

// Broadcaster fans events out to the right set of live sessions. It delivers
// to local sessions directly and relays on NATS so peer processes can do the
// same for theirs. A nil relay degrades to local-only delivery.
type Broadcaster struct {
	origin  string
	members Members
	index   SessionIndex
	sender  Sender
	relay   *Relay
}

// NewBroadcaster creates a Broadcaster. origin must be unique per process
// (the server name); relay may be nil.
func NewBroadcaster(origin string, members Members, index SessionIndex, sender Sender, relay *Relay) *Broadcaster {
	return &Broadcaster{
		origin:  origin,
		members: members,
		index:   index,
		sender:  sender,
		relay:   relay,
	}
}

// ---------------------------------------------------------------------------
// REST call points — invoked after the corresponding durable mutation.
// ---------------------------------------------------------------------------

// MessageCreated fans out a message:new event to the chat's participants,
// including the sender's own sessions (the authoritative echo the client
// reconciles its optimistic entry against).
func (b *Broadcaster) MessageCreated(ctx context.Context, ev protocol.MessageNewEvent) error {
	data, err := protocol.NewServerEvent(protocol.TypeMessageNew, ev)
	if err != nil {
		return err
	}
	return b.publishChat(ctx, ev.ChatID, protocol.TypeMessageNew, "", data)
}

// MessageEdited fans out a message:edited event to the chat's participants.
func (b *Broadcaster) MessageEdited(ctx context.Context, ev protocol.MessageEditedEvent) error {
	data, err := protocol.NewServerEvent(protocol.TypeMessageEdited, ev)
	if err != nil {
		return err
	}
	return b.publishChat(ctx, ev.ChatID, protocol.TypeMessageEdited, "", data)
}

// MessageDeleted fans out a message:deleted event to the chat's participants.
func (b *Broadcaster) MessageDeleted(ctx context.Context, ev protocol.MessageDeletedEvent) error {
	data, err := protocol.NewServerEvent(protocol.TypeMessageDeleted, ev)
	if err != nil {
		return err
	}
	return b.publishChat(ctx, ev.ChatID, protocol.TypeMessageDeleted, "", data)
}

// ---------------------------------------------------------------------------
// Emitter implementations for the typing coordinator and presence tracker.
// ---------------------------------------------------------------------------

// TypingChanged implements typing.Emitter. The indicator goes to every chat
// participant except the typer.
func (b *Broadcaster) TypingChanged(chatID, userID string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	data, err := protocol.NewServerEvent(protocol.TypeUserTyping, protocol.UserTypingEvent{
		UserID:   userID,
		ChatID:   chatID,
		IsTyping: isTyping,
	})
	if err != nil {
		log.Printf("[fanout] build typing event chat=%s user=%s: %v", chatID, userID, err)
		return
	}
	if err := b.publishChat(ctx, chatID, protocol.TypeUserTyping, userID, data); err != nil {
		log.Printf("[fanout] typing fanout chat=%s user=%s: %v", chatID, userID, err)
	}
}

// PresenceChanged implements presence.Emitter. The transition goes only to
// users sharing at least one chat with the affected user, never globally.
func (b *Broadcaster) PresenceChanged(userID string, online bool, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	eventType := protocol.TypeUserOffline
	if online {
		eventType = protocol.TypeUserOnline
	}
	data, err := protocol.NewServerEvent(eventType, protocol.PresenceEvent{
		UserID:    userID,
		Timestamp: at.Unix(),
	})
	if err != nil {
		log.Printf("[fanout] build presence event user=%s: %v", userID, err)
		return
	}

	peers, err := b.members.PeersOf(ctx, userID)
	if err != nil {
		log.Printf("[fanout] resolve peers user=%s: %v", userID, err)
		return
	}
	b.deliverLocal(peers, "", eventType, data)

	b.relayPublish(SubjectPresenceEvents, Envelope{
		Origin:  b.origin,
		UserID:  userID,
		Type:    eventType,
		Payload: data,
	})
}

// ---------------------------------------------------------------------------
// Core publish / subscribe paths
// ---------------------------------------------------------------------------

// publishChat resolves the chat's participants, delivers locally, and relays
// the envelope for peer processes. Relay failure degrades cross-process
// delivery but never local delivery.
func (b *Broadcaster) publishChat(ctx context.Context, chatID, eventType, skipUser string, data []byte) error {
	participants, err := b.members.ParticipantsOf(ctx, chatID)
	if err != nil {
		return fmt.Errorf("fanout: resolve participants of %s: %w", chatID, err)
	}

	b.deliverLocal(participants, skipUser, eventType, data)

	b.relayPublish(ChatSubject(chatID), Envelope{
		Origin:   b.origin,
		ChatID:   chatID,
		SkipUser: skipUser,
		Type:     eventType,
		Payload:  data,
	})
	return nil
}

// deliverLocal writes the event to every local session of the given users.
// Send errors on individual connections are ignored; the read loop cleans up
// dead connections.
func (b *Broadcaster) deliverLocal(userIDs []string, skipUser, eventType string, data []byte) {
	start := time.Now()
	delivered := 0
	for _, userID := range userIDs {
		if skipUser != "" && userID == skipUser {
			continue
		}
		for _, s := range b.index.SessionsFor(userID) {
			if err := b.sender.Send(s.ID, data); err != nil {
				continue
			}
			delivered++
		}
	}
	if delivered > 0 {
		metrics.EventsFannedOut.WithLabelValues(eventType).Add(float64(delivered))
	}
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
}

// relayPublish sends the envelope on the shared channel. A missing or failed
// relay is logged and counted but not retried; clients self-heal missed
// events through the REST read path.
func (b *Broadcaster) relayPublish(subject string, env Envelope) {
	if b.relay == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[fanout] marshal envelope subject=%s: %v", subject, err)
		return
	}
	if err := b.relay.Publish(subject, data); err != nil {
		metrics.RelayFailures.Inc()
		log.Printf("[fanout] relay publish subject=%s failed (local delivery unaffected): %v", subject, err)
	}
}

// Listen subscribes to the shared fanout subjects and forwards envelopes
// published by peer processes to this process's local sessions. It is a
// no-op when the relay is nil.
func (b *Broadcaster) Listen() error {
	if b.relay == nil {
		return nil
	}

	if err := b.relay.Subscribe(SubjectChatEvents+".>", b.handleChatEnvelope); err != nil {
		return err
	}
	return b.relay.Subscribe(SubjectPresenceEvents, b.handlePresenceEnvelope)
}

func (b *Broadcaster) handleChatEnvelope(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[fanout] bad chat envelope: %v", err)
		return
	}
	if env.Origin == b.origin {
		return // we already delivered locally
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	participants, err := b.members.ParticipantsOf(ctx, env.ChatID)
	if err != nil {
		log.Printf("[fanout] resolve participants of %s: %v", env.ChatID, err)
		return
	}
	b.deliverLocal(participants, env.SkipUser, env.Type, env.Payload)
}

func (b *Broadcaster) handlePresenceEnvelope(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[fanout] bad presence envelope: %v", err)
		return
	}
	if env.Origin == b.origin {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	peers, err := b.members.PeersOf(ctx, env.UserID)
	if err != nil {
		log.Printf("[fanout] resolve peers user=%s: %v", env.UserID, err)
		return
	}
	b.deliverLocal(peers, "", env.Type, env.Payload)
}
