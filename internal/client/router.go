package client

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/harborchat/harbor/internal/protocol"
)

// PresenceChange is the normalized presence shape delivered to handlers.
// The wire carries separate user:online / user:offline events; the router
// folds them into one shape with an explicit status field.
type PresenceChange struct {
	UserID    string
	Online    bool
	Timestamp int64
}

// Router dispatches typed inbound events to registered observers. Each
// event kind has its own handler set; registration returns an unsubscribe
// closure. The router performs no deduplication — the state-merge layer owns
// that, keyed by message ID.
type Router struct {
	mu     sync.Mutex
	nextID int

	messageNew     map[int]func(protocol.MessageNewEvent)
	messageEdited  map[int]func(protocol.MessageEditedEvent)
	messageDeleted map[int]func(protocol.MessageDeletedEvent)
	presence       map[int]func(PresenceChange)
	typing         map[int]func(protocol.UserTypingEvent)
	session        map[int]func(protocol.SessionCreatedEvent)
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		messageNew:     make(map[int]func(protocol.MessageNewEvent)),
		messageEdited:  make(map[int]func(protocol.MessageEditedEvent)),
		messageDeleted: make(map[int]func(protocol.MessageDeletedEvent)),
		presence:       make(map[int]func(PresenceChange)),
		typing:         make(map[int]func(protocol.UserTypingEvent)),
		session:        make(map[int]func(protocol.SessionCreatedEvent)),
	}
}

// Clear removes every registered handler. Called by the manager on
// intentional disconnect. The maps themselves are allocated once and only
// ever emptied, so dispatch can hand them to snapshot without re-reading
// fields.
func (r *Router) Clear() {
	r.mu.Lock()
	clear(r.messageNew)
	clear(r.messageEdited)
	clear(r.messageDeleted)
	clear(r.presence)
	clear(r.typing)
	clear(r.session)
	r.mu.Unlock()
}

func (r *Router) subscribe() int {
	r.nextID++
	return r.nextID
}

// OnMessageNew registers a handler for message:new events and returns its
// unsubscribe closure.
func (r *Router) OnMessageNew(fn func(protocol.MessageNewEvent)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.messageNew[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.messageNew, id)
		r.mu.Unlock()
	}
}

// OnMessageEdited registers a handler for message:edited events.
func (r *Router) OnMessageEdited(fn func(protocol.MessageEditedEvent)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.messageEdited[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.messageEdited, id)
		r.mu.Unlock()
	}
}

// OnMessageDeleted registers a handler for message:deleted events.
func (r *Router) OnMessageDeleted(fn func(protocol.MessageDeletedEvent)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.messageDeleted[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.messageDeleted, id)
		r.mu.Unlock()
	}
}

// OnPresenceChanged registers a handler for the normalized presence shape.
func (r *Router) OnPresenceChanged(fn func(PresenceChange)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.presence[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.presence, id)
		r.mu.Unlock()
	}
}

// OnTypingChanged registers a handler for user:typing events. The event is
// forwarded raw; the consuming layer owns the client-local expiry.
func (r *Router) OnTypingChanged(fn func(protocol.UserTypingEvent)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.typing[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.typing, id)
		r.mu.Unlock()
	}
}

// OnSessionCreated registers a handler for the handshake acknowledgment.
func (r *Router) OnSessionCreated(fn func(protocol.SessionCreatedEvent)) func() {
	r.mu.Lock()
	id := r.subscribe()
	r.session[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.session, id)
		r.mu.Unlock()
	}
}

// dispatch decodes a wire event and invokes the matching handler set.
// Handlers run outside the lock so an observer may unsubscribe (itself or
// others) during dispatch.
func (r *Router) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[client] bad event: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeMessageNew:
		var ev protocol.MessageNewEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("[client] decode %s: %v", env.Type, err)
			return
		}
		for _, fn := range snapshot(r, r.messageNew) {
			fn(ev)
		}

	case protocol.TypeMessageEdited:
		var ev protocol.MessageEditedEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("[client] decode %s: %v", env.Type, err)
			return
		}
		for _, fn := range snapshot(r, r.messageEdited) {
			fn(ev)
		}

	case protocol.TypeMessageDeleted:
		var ev protocol.MessageDeletedEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("[client] decode %s: %v", env.Type, err)
			return
		}
		for _, fn := range snapshot(r, r.messageDeleted) {
			fn(ev)
		}

	case protocol.TypeUserOnline, protocol.TypeUserOffline:
		var ev protocol.PresenceEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("[client] decode %s: %v", env.Type, err)
			return
		}
		change := PresenceChange{
			UserID:    ev.UserID,
			Online:    env.Type == protocol.TypeUserOnline,
			Timestamp: ev.Timestamp,
		}
		for _, fn := range snapshot(r, r.presence) {
			fn(change)
		}

	case protocol.TypeUserTyping:
		var ev protocol.UserTypingEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("[client] decode %s: %v", env.Type, err)
			return
		}
		for _, fn := range snapshot(r, r.typing) {
			fn(ev)
		}

	case protocol.TypeSessionCreated:
		var ev protocol.SessionCreatedEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			log.Printf("[client] decode %s: %v", env.Type, err)
			return
		}
		for _, fn := range snapshot(r, r.session) {
			fn(ev)
		}

	case protocol.TypePong, protocol.TypeError:
		// Keepalive acks need no observers; server errors are logged.
		if env.Type == protocol.TypeError {
			log.Printf("[client] server error event: %s", env.Raw)
		}

	default:
		log.Printf("[client] unknown event type %q", env.Type)
	}
}

// snapshot copies a handler set under the router lock so dispatch can run
// handlers without holding it.
func snapshot[T any](r *Router, set map[int]T) []T {
	r.mu.Lock()
	out := make([]T, 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	r.mu.Unlock()
	return out
}
