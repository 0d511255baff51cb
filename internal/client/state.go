package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborchat/harbor/internal/protocol"
)

// DefaultTypingExpiry is the client-local typing self-heal window. It is
// deliberately independent of the server-side TTL: if a stop event is lost
// in transit, the indicator clears on its own.
const DefaultTypingExpiry = 5 * time.Second

// DeliveryState marks whether a message entry is a local optimistic guess or
// a server-confirmed record.
type DeliveryState string

const (
	DeliveryOptimistic DeliveryState = "optimistic"
	DeliveryConfirmed  DeliveryState = "confirmed"
)

// Message is the client view-model entry for one chat message.
type Message struct {
	ID         string
	ChatID     string
	SenderID   string
	Content    string
	Media      string
	EditedAt   int64
	DeletedFor []string
	Timestamp  int64
	Delivery   DeliveryState
}

type typerKey struct {
	chatID string
	userID string
}

// ChatState is the merge layer between server echoes and local optimistic
// state. All mutations are id-keyed so duplicate deliveries collapse and an
// optimistic entry is replaced, never duplicated, by its confirmed
// counterpart.
type ChatState struct {
	selfID       string
	typingExpiry time.Duration

	mu       sync.Mutex
	messages map[string][]Message // chatID -> ordered entries
	typers   map[typerKey]*time.Timer
	onClear  func(chatID, userID string)
}

// NewChatState creates a ChatState for the given local user. A zero
// typingExpiry falls back to DefaultTypingExpiry.
func NewChatState(selfID string, typingExpiry time.Duration) *ChatState {
	if typingExpiry <= 0 {
		typingExpiry = DefaultTypingExpiry
	}
	return &ChatState{
		selfID:       selfID,
		typingExpiry: typingExpiry,
		messages:     make(map[string][]Message),
		typers:       make(map[typerKey]*time.Timer),
	}
}

// OnTypingCleared registers a callback fired when a typing indicator clears,
// either by an explicit stop or by local expiry.
func (cs *ChatState) OnTypingCleared(fn func(chatID, userID string)) {
	cs.mu.Lock()
	cs.onClear = fn
	cs.mu.Unlock()
}

// AddLocal inserts an optimistic entry for a just-sent message and returns
// its temporary ID. The entry is replaced in place once the authoritative
// echo arrives.
func (cs *ChatState) AddLocal(chatID, content string) string {
	localID := "local-" + uuid.New().String()

	cs.mu.Lock()
	cs.messages[chatID] = append(cs.messages[chatID], Message{
		ID:        localID,
		ChatID:    chatID,
		SenderID:  cs.selfID,
		Content:   content,
		Timestamp: time.Now().Unix(),
		Delivery:  DeliveryOptimistic,
	})
	cs.mu.Unlock()
	return localID
}

// Confirm replaces the optimistic entry identified by localID with the
// confirmed server record. If the echo already arrived through the event
// stream (the entry is gone or the real ID already exists), Confirm is a
// no-op — there is never a duplicate.
func (cs *ChatState) Confirm(localID string, ev protocol.MessageNewEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entries := cs.messages[ev.ChatID]
	if cs.indexOf(entries, ev.MessageID) >= 0 {
		// Confirmed copy already present; drop the optimistic leftover.
		if i := cs.indexOf(entries, localID); i >= 0 {
			cs.messages[ev.ChatID] = append(entries[:i], entries[i+1:]...)
		}
		return
	}
	if i := cs.indexOf(entries, localID); i >= 0 {
		entries[i] = confirmedMessage(ev)
	}
}

// ApplyNew merges a message:new event. Duplicate deliveries of the same
// message ID collapse to one entry; an echo of our own pending optimistic
// send replaces that entry instead of appending.
func (cs *ChatState) ApplyNew(ev protocol.MessageNewEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entries := cs.messages[ev.ChatID]
	if cs.indexOf(entries, ev.MessageID) >= 0 {
		return // id-keyed dedupe
	}

	if ev.SenderID == cs.selfID {
		for i := range entries {
			if entries[i].Delivery == DeliveryOptimistic && entries[i].Content == ev.Content {
				entries[i] = confirmedMessage(ev)
				return
			}
		}
	}

	cs.messages[ev.ChatID] = append(entries, confirmedMessage(ev))
}

// ApplyEdit merges a message:edited event. Editing an unknown message is a
// no-op; the REST catch-up read will reconcile.
func (cs *ChatState) ApplyEdit(ev protocol.MessageEditedEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entries := cs.messages[ev.ChatID]
	if i := cs.indexOf(entries, ev.MessageID); i >= 0 {
		entries[i].Content = ev.Content
		entries[i].EditedAt = ev.EditedAt
	}
}

// ApplyDelete removes the message from the view.
func (cs *ChatState) ApplyDelete(ev protocol.MessageDeletedEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entries := cs.messages[ev.ChatID]
	if i := cs.indexOf(entries, ev.MessageID); i >= 0 {
		cs.messages[ev.ChatID] = append(entries[:i], entries[i+1:]...)
	}
}

// Messages returns a snapshot of the chat's entries in arrival order.
func (cs *ChatState) Messages(chatID string) []Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entries := cs.messages[chatID]
	out := make([]Message, len(entries))
	copy(out, entries)
	return out
}

// ApplyTyping merges a user:typing event. A true indicator arms (or
// re-arms) the local expiry timer for that (chat, user); a false indicator
// clears it immediately. Arming always cancels the prior timer for the same
// key.
func (cs *ChatState) ApplyTyping(ev protocol.UserTypingEvent) {
	k := typerKey{ev.ChatID, ev.UserID}

	cs.mu.Lock()
	if prev, ok := cs.typers[k]; ok {
		prev.Stop()
		delete(cs.typers, k)
	}
	if !ev.IsTyping {
		fn := cs.onClear
		cs.mu.Unlock()
		if fn != nil {
			fn(k.chatID, k.userID)
		}
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(cs.typingExpiry, func() {
		cs.expireTyper(k, timer)
	})
	cs.typers[k] = timer
	cs.mu.Unlock()
}

// expireTyper self-heals a missed stop delivery.
func (cs *ChatState) expireTyper(k typerKey, timer *time.Timer) {
	cs.mu.Lock()
	current, ok := cs.typers[k]
	if !ok || current != timer {
		cs.mu.Unlock()
		return
	}
	delete(cs.typers, k)
	fn := cs.onClear
	cs.mu.Unlock()

	if fn != nil {
		fn(k.chatID, k.userID)
	}
}

// Typers returns the users currently shown as typing in the chat.
func (cs *ChatState) Typers(chatID string) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var out []string
	for k := range cs.typers {
		if k.chatID == chatID {
			out = append(out, k.userID)
		}
	}
	return out
}

// Close cancels all pending typing timers.
func (cs *ChatState) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for k, timer := range cs.typers {
		timer.Stop()
		delete(cs.typers, k)
	}
}

// indexOf returns the position of the entry with the given ID, or -1.
func (cs *ChatState) indexOf(entries []Message, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}

func confirmedMessage(ev protocol.MessageNewEvent) Message {
	return Message{
		ID:        ev.MessageID,
		ChatID:    ev.ChatID,
		SenderID:  ev.SenderID,
		Content:   ev.Content,
		Media:     ev.Media,
		Timestamp: ev.Timestamp,
		Delivery:  DeliveryConfirmed,
	}
}
