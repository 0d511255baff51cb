// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the realtime server. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeTyping     = "user:typing"
	TypeStopTyping = "user:stop-typing"
	TypePing       = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated = "session:created"
	TypeMessageNew     = "message:new"
	TypeMessageEdited  = "message:edited"
	TypeMessageDeleted = "message:deleted"
	TypeUserOnline     = "user:online"
	TypeUserOffline    = "user:offline"
	TypeUserTyping     = "user:typing"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw event for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// TypingEvent signals that the sender has started composing in a chat.
type TypingEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// StopTypingEvent signals that the sender has stopped composing in a chat.
type StopTypingEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionCreatedEvent is sent by the server once the handshake is accepted.
type SessionCreatedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// MessageNewEvent announces a durably created message to chat participants.
type MessageNewEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Media     string `json:"media,omitempty"`
}

// MessageEditedEvent announces a durable edit to chat participants.
type MessageEditedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	EditedAt  int64  `json:"editedAt"`
}

// MessageDeletedEvent announces a durable hard-delete to chat participants.
type MessageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// PresenceEvent is the payload for both user:online and user:offline; the
// status is carried by the event type itself.
type PresenceEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// UserTypingEvent relays a participant's typing indicator to the chat.
type UserTypingEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorEvent is sent by the server to communicate an error condition.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongEvent is the server's response to a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event.
// The eventType is injected into the payload under the "type" key. The
// payload should be one of the *Event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
