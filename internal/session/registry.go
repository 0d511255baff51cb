// Package session tracks live authenticated connections. The Registry is the
// authoritative in-process index of sessions; a Redis mirror keeps a
// best-effort copy for operators and peer processes.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborchat/harbor/internal/auth"
)

// Session is one authenticated live connection for a user. A user may hold
// many sessions at once (multi-device).
type Session struct {
	ID          string    // connection ID (UUID)
	UserID      string    // authenticated user
	ConnectedAt time.Time // when the handshake completed
}

// PresenceSink receives session-count edge transitions. Up fires when a user
// gains their first live session, Down when they lose their last one.
type PresenceSink interface {
	Up(userID string)
	Down(userID string)
}

// Registry maps connection IDs to sessions and users to their live session
// sets. It is explicitly constructed and injectable so each test run gets an
// isolated instance; there is no package-level state.
type Registry struct {
	verifier *auth.Verifier
	presence PresenceSink
	mirror   *Mirror // optional Redis write-through, may be nil

	mu     sync.RWMutex
	byConn map[string]Session
	byUser map[string]map[string]Session // userID -> connID -> Session
}

// NewRegistry creates an empty Registry. The presence sink and mirror may be
// nil (tests commonly omit them).
func NewRegistry(verifier *auth.Verifier, presence PresenceSink, mirror *Mirror) *Registry {
	return &Registry{
		verifier: verifier,
		presence: presence,
		mirror:   mirror,
		byConn:   make(map[string]Session),
		byUser:   make(map[string]map[string]Session),
	}
}

// SetPresenceSink assigns the presence sink after construction. This
// supports the initialization order where the fanout layer (which the
// presence tracker emits through) is built from the registry itself.
func (r *Registry) SetPresenceSink(p PresenceSink) {
	r.presence = p
}

// Accept verifies the credential and registers a new session. It returns
// auth.ErrUnauthenticated without creating any state when the credential is
// missing or invalid. The user's first live session triggers the presence
// sink's online transition.
func (r *Registry) Accept(ctx context.Context, credential string) (Session, error) {
	userID, err := r.verifier.Verify(credential)
	if err != nil {
		return Session{}, err
	}

	s := Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	r.byConn[s.ID] = s
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]Session)
		r.byUser[userID] = conns
	}
	first := len(conns) == 0
	conns[s.ID] = s
	r.mu.Unlock()

	if first && r.presence != nil {
		r.presence.Up(userID)
	}

	if r.mirror != nil {
		if err := r.mirror.Create(ctx, s); err != nil {
			log.Printf("[session] mirror create failed conn=%s: %v", s.ID, err)
		}
	}

	return s, nil
}

// Release removes the session for the given connection ID. If it was the
// user's last live session, the presence sink's Down transition fires (which
// arms the offline grace window). Releasing an unknown connection is a no-op.
func (r *Registry) Release(ctx context.Context, connID string) {
	r.mu.Lock()
	s, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)

	last := false
	if conns, ok := r.byUser[s.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, s.UserID)
			last = true
		}
	}
	r.mu.Unlock()

	if last && r.presence != nil {
		r.presence.Down(s.UserID)
	}

	if r.mirror != nil {
		if err := r.mirror.Delete(ctx, connID); err != nil {
			log.Printf("[session] mirror delete failed conn=%s: %v", connID, err)
		}
	}
}

// Touch extends the mirrored session's TTL. The heartbeat sweep drives this
// for every live connection so long-lived sessions never age out of the
// mirror. Unknown connections and mirror failures are no-ops.
func (r *Registry) Touch(ctx context.Context, connID string) {
	if r.mirror == nil {
		return
	}
	if _, ok := r.Get(connID); !ok {
		return
	}
	if err := r.mirror.Touch(ctx, connID); err != nil {
		log.Printf("[session] mirror touch failed conn=%s: %v", connID, err)
	}
}

// Identify verifies the credential without creating any session state. The
// handshake path uses it to authenticate and rate limit before Accept.
func (r *Registry) Identify(credential string) (string, error) {
	return r.verifier.Verify(credential)
}

// HasSessions reports whether the user currently holds at least one live
// session. The presence tracker consults this before declaring offline.
func (r *Registry) HasSessions(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SessionsFor returns a snapshot of the user's live sessions. The fanout
// layer uses this as the participant -> live-session index.
func (r *Registry) SessionsFor(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// Get returns the session for the given connection ID and whether it exists.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	s, ok := r.byConn[connID]
	r.mu.RUnlock()
	return s, ok
}

// SessionCount returns the total number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	n := len(r.byConn)
	r.mu.RUnlock()
	return n
}

// UserCount returns the number of users holding at least one live session.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}

// String implements fmt.Stringer for log lines.
func (r *Registry) String() string {
	return fmt.Sprintf("registry(sessions=%d users=%d)", r.SessionCount(), r.UserCount())
}
