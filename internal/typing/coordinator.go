// Package typing coordinates ephemeral per-chat typing indicators. State is
// unique per (chat, user) and expires automatically when the client stops
// sending signals without an explicit stop.
package typing

import (
	"sync"
	"time"
)

// DefaultTTL is how long a typing indicator lives without a refresh.
const DefaultTTL = 8 * time.Second

// Emitter receives typing transitions. The fanout layer implements it and
// delivers to the chat's participants.
type Emitter interface {
	TypingChanged(chatID, userID string, isTyping bool)
}

type key struct {
	chatID string
	userID string
}

// Coordinator owns one expiry timer per (chat, user). Arming a timer always
// cancels the prior timer for the same key, so a refreshed signal never
// leaves a stale expiry behind.
type Coordinator struct {
	ttl     time.Duration
	emitter Emitter

	mu     sync.Mutex
	timers map[key]*time.Timer
	closed bool
}

// NewCoordinator creates a Coordinator with the given TTL. A zero TTL falls
// back to DefaultTTL.
func NewCoordinator(ttl time.Duration, emitter Emitter) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		ttl:     ttl,
		emitter: emitter,
		timers:  make(map[key]*time.Timer),
	}
}

// Start inserts or refreshes the typing state for (chatID, userID). Only the
// first signal of an episode emits a transition; refreshes just re-arm the
// expiry.
func (c *Coordinator) Start(chatID, userID string) {
	k := key{chatID, userID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev, refreshing := c.timers[k]
	if refreshing {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.ttl, func() {
		c.expire(k, timer)
	})
	c.timers[k] = timer
	c.mu.Unlock()

	if !refreshing && c.emitter != nil {
		c.emitter.TypingChanged(chatID, userID, true)
	}
}

// Stop removes the typing state and cancels the pending expiry before
// emitting, so an explicit stop always wins over a racing expiry. Stopping a
// user who is not typing is a no-op.
func (c *Coordinator) Stop(chatID, userID string) {
	k := key{chatID, userID}

	c.mu.Lock()
	timer, ok := c.timers[k]
	if ok {
		timer.Stop()
		delete(c.timers, k)
	}
	c.mu.Unlock()

	if ok && c.emitter != nil {
		c.emitter.TypingChanged(chatID, userID, false)
	}
}

// expire fires when a typing state reaches its TTL without an explicit stop.
// The timer identity check guarantees the synthesized stop is emitted at
// most once even if Stop or a refresh races the timer.
func (c *Coordinator) expire(k key, timer *time.Timer) {
	c.mu.Lock()
	current, ok := c.timers[k]
	if !ok || current != timer {
		c.mu.Unlock()
		return
	}
	delete(c.timers, k)
	c.mu.Unlock()

	if c.emitter != nil {
		c.emitter.TypingChanged(k.chatID, k.userID, false)
	}
}

// ActiveCount returns the number of live typing indicators.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Close cancels all pending expiry timers without emitting transitions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for k, timer := range c.timers {
		timer.Stop()
		delete(c.timers, k)
	}
}
