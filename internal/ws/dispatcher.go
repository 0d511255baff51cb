package ws

import (
	"log"
	"time"

	"github.com/harborchat/harbor/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.TypingEvent).
type EventHandler func(conn *Connection, msg interface{})

// Dispatcher routes incoming WebSocket events to registered handlers based
// on the event type. It handles the built-in ping/pong keepalive internally
// and sends structured error responses for malformed or unsupported events.
type Dispatcher struct {
	handlers map[string]EventHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]EventHandler),
	}
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed event, handles ping internally, and routes all other
// types to the registered handler. Parse errors and unregistered types
// result in an error event sent back to the client.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	eventType, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid event format")
		return
	}

	// Built-in ping handler — respond immediately without requiring
	// registration.
	if eventType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s", eventType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported event type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error event back to the client. Errors during
// construction or transmission are logged but not propagated.
func (d *Dispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteEvent(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and updates the
// connection's LastPing timestamp to reflect the most recent keepalive.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongEvent{})
	if err != nil {
		log.Printf("ws: failed to build pong event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteEvent(data); err != nil {
		log.Printf("ws: failed to send pong event conn=%s: %v", conn.ID, err)
	}
}
