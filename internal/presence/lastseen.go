package presence

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastSeenPrefix is the Redis key prefix for persisted last-seen timestamps.
const LastSeenPrefix = "presence:lastseen:"

// LastSeenStore persists last-seen timestamps to Redis so they survive a
// process restart. Writes are best-effort: a Redis outage degrades to a log
// line, never into the presence state machine.
type LastSeenStore struct {
	client *redis.Client
}

// NewLastSeenStore creates a store using the given Redis client.
func NewLastSeenStore(client *redis.Client) *LastSeenStore {
	return &LastSeenStore{client: client}
}

// SetLastSeen records when the user was last online. Called from the offline
// transition, so it uses its own short timeout rather than a caller context.
func (s *LastSeenStore) SetLastSeen(userID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	key := LastSeenPrefix + userID
	if err := s.client.Set(ctx, key, at.Unix(), 0).Err(); err != nil {
		log.Printf("[presence] last-seen write failed user=%s: %v", userID, err)
	}
}

// LastSeen returns the persisted last-seen time for a user. The second
// return value is false when no record exists.
func (s *LastSeenStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	key := LastSeenPrefix + userID
	unix, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(unix, 0), true, nil
}
