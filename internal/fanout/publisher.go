package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/harborchat/harbor/internal/protocol"
)

// Publisher is the relay-only flavour of the fanout contract for processes
// that hold no WebSocket sessions (the REST layer). It exposes exactly the
// three call points the REST layer invokes after a durable mutation; every
// realtime process picks the envelope up and delivers to its own sessions.
type Publisher struct {
	origin string
	relay  *Relay
}

// NewPublisher creates a Publisher. origin identifies the publishing process
// and must never collide with a realtime server name.
func NewPublisher(origin string, relay *Relay) *Publisher {
	return &Publisher{origin: origin, relay: relay}
}

// MessageCreated publishes a message:new event after a durable create.
func (p *Publisher) MessageCreated(ev protocol.MessageNewEvent) error {
	return p.publish(ev.ChatID, protocol.TypeMessageNew, ev)
}

// MessageEdited publishes a message:edited event after a durable edit.
func (p *Publisher) MessageEdited(ev protocol.MessageEditedEvent) error {
	return p.publish(ev.ChatID, protocol.TypeMessageEdited, ev)
}

// MessageDeleted publishes a message:deleted event after a durable delete.
func (p *Publisher) MessageDeleted(ev protocol.MessageDeletedEvent) error {
	return p.publish(ev.ChatID, protocol.TypeMessageDeleted, ev)
}

func (p *Publisher) publish(chatID, eventType string, payload interface{}) error {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		return err
	}

	env, err := json.Marshal(Envelope{
		Origin:  p.origin,
		ChatID:  chatID,
		Type:    eventType,
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("fanout: marshal envelope: %w", err)
	}

	if err := p.relay.Publish(ChatSubject(chatID), env); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", eventType, err)
	}
	return nil
}
