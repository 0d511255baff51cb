package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MirrorPrefix is the Redis key prefix for mirrored session hashes.
	MirrorPrefix = "session:"

	// MirrorTTL is the time-to-live for mirrored session keys. The registry
	// refreshes it on heartbeat activity; a crashed process leaves keys that
	// simply age out.
	MirrorTTL = 1 * time.Hour
)

// Mirror keeps a best-effort copy of live session records in Redis so
// operators and peer processes can inspect who is connected where. The
// in-process Registry stays authoritative; mirror failures never block a
// handshake.
type Mirror struct {
	client     *redis.Client
	serverName string
}

// NewMirror creates a session mirror connected to Redis. It verifies the
// connection before returning.
func NewMirror(redisAddr string, serverName string) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Mirror{client: client, serverName: serverName}, nil
}

// Create writes the session record as a Redis hash with TTL.
func (m *Mirror) Create(ctx context.Context, s Session) error {
	key := MirrorPrefix + s.ID

	record := map[string]interface{}{
		"id":           s.ID,
		"user_id":      s.UserID,
		"server":       m.serverName,
		"connected_at": s.ConnectedAt.Unix(),
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, MirrorTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch extends the TTL of a mirrored session.
func (m *Mirror) Touch(ctx context.Context, connID string) error {
	return m.client.Expire(ctx, MirrorPrefix+connID, MirrorTTL).Err()
}

// Delete removes a mirrored session record.
func (m *Mirror) Delete(ctx context.Context, connID string) error {
	return m.client.Del(ctx, MirrorPrefix+connID).Err()
}

// Close closes the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Client returns the underlying Redis client so the presence store and rate
// limiter can share the connection pool.
func (m *Mirror) Client() *redis.Client {
	return m.client
}
