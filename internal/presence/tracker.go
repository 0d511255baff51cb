// Package presence derives online/offline state from live session counts.
// A user is online iff they hold at least one live session; the offline
// transition is delayed by a grace window so quick reconnects (page reloads,
// network blips) never flicker through observers.
package presence

import (
	"log"
	"sync"
	"time"
)

// DefaultGraceWindow is the delay before a user with zero sessions is
// declared offline.
const DefaultGraceWindow = 30 * time.Second

// Emitter receives presence transitions. The fanout layer implements it and
// scopes delivery to users sharing a chat with the affected user.
type Emitter interface {
	PresenceChanged(userID string, online bool, at time.Time)
}

// Liveness reports whether a user still holds live sessions. Implemented by
// the session registry; the tracker consults it before declaring offline so
// a grace timer armed by a Down edge that raced a reconnect never wins over
// a live session.
type Liveness interface {
	HasSessions(userID string) bool
}

// Tracker is the presence state machine. Up/Down calls arrive from the
// session registry on first-session / last-session edges; offline timers are
// keyed by user ID and arming a timer always cancels the prior one for the
// same key.
type Tracker struct {
	graceWindow time.Duration
	emitter     Emitter
	store       *LastSeenStore // optional, may be nil

	mu       sync.Mutex
	liveness Liveness // optional, may be nil
	online   map[string]bool
	timers   map[string]*time.Timer // pending offline transitions
	closed   bool
}

// NewTracker creates a Tracker with the given grace window. A zero window
// falls back to DefaultGraceWindow; tests pass a short positive window.
func NewTracker(graceWindow time.Duration, emitter Emitter, store *LastSeenStore) *Tracker {
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	return &Tracker{
		graceWindow: graceWindow,
		emitter:     emitter,
		store:       store,
		online:      make(map[string]bool),
		timers:      make(map[string]*time.Timer),
	}
}

// SetLiveness assigns the live-session check after construction, matching
// the wiring order where the registry and tracker reference each other.
func (t *Tracker) SetLiveness(l Liveness) {
	t.mu.Lock()
	t.liveness = l
	t.mu.Unlock()
}

// Up records that the user gained their first live session. A pending
// offline timer for the user is cancelled; if the user was already online
// (reconnect within the grace window) no transition is emitted.
func (t *Tracker) Up(userID string) {
	t.mu.Lock()
	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
	}
	if t.online[userID] {
		t.mu.Unlock()
		return
	}
	t.online[userID] = true
	t.mu.Unlock()

	if t.emitter != nil {
		t.emitter.PresenceChanged(userID, true, time.Now())
	}
}

// Down records that the user lost their last live session. It arms the
// offline grace timer; the offline transition is emitted only if the window
// elapses without an intervening Up.
func (t *Tracker) Down(userID string) {
	t.mu.Lock()
	if t.closed || !t.online[userID] {
		t.mu.Unlock()
		return
	}
	// Arm cancels any prior arm for the same user.
	if prev, ok := t.timers[userID]; ok {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.graceWindow, func() {
		t.expire(userID, timer)
	})
	t.timers[userID] = timer
	t.mu.Unlock()
}

// expire fires when a grace window elapses. The timer identity check makes
// a stale timer (already replaced or cancelled) a no-op, and the liveness
// check catches a Down edge that was delivered after a racing reconnect's
// Up: the user still holds sessions, so no offline transition is emitted.
func (t *Tracker) expire(userID string, timer *time.Timer) {
	t.mu.Lock()
	current, ok := t.timers[userID]
	if !ok || current != timer {
		t.mu.Unlock()
		return
	}
	delete(t.timers, userID)
	if t.liveness != nil && t.liveness.HasSessions(userID) {
		t.mu.Unlock()
		return
	}
	delete(t.online, userID)
	t.mu.Unlock()

	now := time.Now()
	if t.store != nil {
		t.store.SetLastSeen(userID, now)
	}
	if t.emitter != nil {
		t.emitter.PresenceChanged(userID, false, now)
	}
	log.Printf("[presence] user=%s offline after %s grace", userID, t.graceWindow)
}

// Online reports whether the user is currently considered online. Users
// inside the grace window are still online.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// OnlineCount returns the number of users currently considered online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}

// Close cancels all pending offline timers. No transitions are emitted for
// cancelled timers; the process is going away, not the users.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for userID, timer := range t.timers {
		timer.Stop()
		delete(t.timers, userID)
	}
}
