package session

import (
	"context"
	"testing"
	"time"
)

// newTestMirror creates a Mirror connected to a local Redis instance and
// cleans up test session keys. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	m, err := NewMirror("localhost:6379", "test-server")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}

	ctx := context.Background()
	cleanup := func() {
		iter := m.client.Scan(ctx, 0, MirrorPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			m.client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		m.Close()
	})
	return m
}

func TestMirror_CreateAndDelete(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	s := Session{
		ID:          "test_conn_1",
		UserID:      "test_user_1",
		ConnectedAt: time.Now(),
	}
	if err := m.Create(ctx, s); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	record, err := m.client.HGetAll(ctx, MirrorPrefix+s.ID).Result()
	if err != nil {
		t.Fatalf("HGetAll() error: %v", err)
	}
	if record["user_id"] != "test_user_1" {
		t.Errorf("expected user_id %q, got %q", "test_user_1", record["user_id"])
	}
	if record["server"] != "test-server" {
		t.Errorf("expected server %q, got %q", "test-server", record["server"])
	}

	ttl, err := m.client.TTL(ctx, MirrorPrefix+s.ID).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > MirrorTTL {
		t.Errorf("expected TTL in (0, %s], got %s", MirrorTTL, ttl)
	}

	if err := m.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	exists, err := m.client.Exists(ctx, MirrorPrefix+s.ID).Result()
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if exists != 0 {
		t.Error("expected mirrored session to be gone after Delete")
	}
}

func TestMirror_Touch(t *testing.T) {
	m := newTestMirror(t)
	ctx := context.Background()

	s := Session{ID: "test_conn_touch", UserID: "test_user_1", ConnectedAt: time.Now()}
	if err := m.Create(ctx, s); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Shrink the TTL, then Touch must restore it to the full window.
	if err := m.client.Expire(ctx, MirrorPrefix+s.ID, time.Minute).Err(); err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	if err := m.Touch(ctx, s.ID); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	ttl, err := m.client.TTL(ctx, MirrorPrefix+s.ID).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= time.Minute {
		t.Errorf("expected Touch to extend TTL past 1m, got %s", ttl)
	}
}
