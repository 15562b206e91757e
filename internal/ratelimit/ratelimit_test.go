package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestStoreAllowsUpToCapacityThenBlocks(t *testing.T) {
	s := NewStore(Config{Capacity: 3, RefillPerSecond: 0})
	for i := 0; i < 3; i++ {
		if !s.Allow("tenant-a") {
			t.Fatalf("expected token %d to be allowed", i)
		}
	}
	if s.Allow("tenant-a") {
		t.Fatal("expected bucket to be exhausted after capacity tokens consumed")
	}
}

func TestStoreRefillsOverTime(t *testing.T) {
	s := NewStore(Config{Capacity: 2, RefillPerSecond: 10})
	clock := time.Now()
	s.now = func() time.Time { return clock }

	if !s.Allow("tenant-a") || !s.Allow("tenant-a") {
		t.Fatal("expected initial capacity to be consumable")
	}
	if s.Allow("tenant-a") {
		t.Fatal("expected bucket exhausted")
	}

	clock = clock.Add(200 * time.Millisecond) // 10 tokens/sec * 0.2s = 2 tokens
	if !s.Allow("tenant-a") {
		t.Fatal("expected refill to have added a token after 200ms at 10/s")
	}
}

func TestStoreTracksSubjectsIndependently(t *testing.T) {
	s := NewStore(Config{Capacity: 1, RefillPerSecond: 0})
	if !s.Allow("tenant-a") {
		t.Fatal("expected tenant-a's first request allowed")
	}
	if !s.Allow("tenant-b") {
		t.Fatal("expected tenant-b to have its own independent bucket")
	}
	if s.Allow("tenant-a") {
		t.Fatal("expected tenant-a exhausted regardless of tenant-b's usage")
	}
}

func TestAllowNConsumesMultipleTokensAtomically(t *testing.T) {
	s := NewStore(Config{Capacity: 5, RefillPerSecond: 0})
	if !s.AllowN("tenant-a", 3) {
		t.Fatal("expected 3 of 5 tokens to be consumable")
	}
	if s.AllowN("tenant-a", 3) {
		t.Fatal("expected the remaining 2 tokens to be insufficient for a request of 3")
	}
	if !s.AllowN("tenant-a", 2) {
		t.Fatal("expected the remaining 2 tokens to satisfy a request of 2")
	}
}

func newTestRedisStore(t *testing.T, cfg Config) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, cfg, "test:"), mr
}

func TestRedisStoreAllowsUpToCapacityThenBlocks(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{Capacity: 2, RefillPerSecond: 0})

	if !store.Allow("tenant-a") || !store.Allow("tenant-a") {
		t.Fatal("expected both initial tokens to be allowed")
	}
	if store.Allow("tenant-a") {
		t.Fatal("expected bucket exhausted after capacity consumed")
	}
}

func TestRedisStoreRefillsOverTime(t *testing.T) {
	store, mr := newTestRedisStore(t, Config{Capacity: 2, RefillPerSecond: 10})

	if !store.Allow("tenant-a") || !store.Allow("tenant-a") {
		t.Fatal("expected initial capacity consumable")
	}
	if store.Allow("tenant-a") {
		t.Fatal("expected bucket exhausted")
	}

	mr.FastForward(200 * time.Millisecond)
	if !store.Allow("tenant-a") {
		t.Fatal("expected refill to unblock after 200ms at 10 tokens/sec")
	}
}

func TestRedisStoreSeparatesSubjectsByKeyPrefix(t *testing.T) {
	store, _ := newTestRedisStore(t, Config{Capacity: 1, RefillPerSecond: 0})
	if !store.Allow("tenant-a") {
		t.Fatal("expected tenant-a's first request allowed")
	}
	if !store.Allow("tenant-b") {
		t.Fatal("expected tenant-b to have an independent bucket")
	}
}
