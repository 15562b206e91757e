package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript performs the same refill-then-subtract accounting as
// Store.AllowN, atomically, as a single Redis round trip — Lua scripts run
// to completion on the Redis server without interleaving, which is the
// distributed-process equivalent of Store's per-bucket mutex.
//
// KEYS[1] = bucket hash key ("tokens", "refilled_at_unix_ms")
// ARGV[1] = capacity, ARGV[2] = refill_per_second, ARGV[3] = tokens requested,
// ARGV[4] = now_unix_ms, ARGV[5] = bucket TTL seconds
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "refilled_at_ms")
local tokens = tonumber(data[1])
local refilled_at_ms = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  refilled_at_ms = now_ms
end

local elapsed_seconds = math.max(0, (now_ms - refilled_at_ms) / 1000)
tokens = math.min(capacity, tokens + elapsed_seconds * refill_rate)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "refilled_at_ms", now_ms)
redis.call("EXPIRE", key, ttl)

return allowed
`

// RedisStore is the Redis-backed Limiter, selected by
// RATE_LIMIT_BACKEND=redis so rate-limit state is shared across every
// conductor process in a fleet rather than scoped to one instance.
type RedisStore struct {
	client    *redis.Client
	cfg       Config
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore wires a RedisStore against an existing client. keyPrefix
// namespaces bucket keys (e.g. "ratelimit:" so a shared Redis instance
// doesn't collide with other conductor state).
func NewRedisStore(client *redis.Client, cfg Config, keyPrefix string) *RedisStore {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = DefaultConfig().RefillPerSecond
	}
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisStore{client: client, cfg: cfg, keyPrefix: keyPrefix, now: func() time.Time { return time.Now() }}
}

// Allow consumes one token for subject if available.
func (s *RedisStore) Allow(subject string) bool {
	return s.AllowN(subject, 1)
}

// AllowN consumes n tokens for subject via the tokenBucketScript. A Redis
// error fails open (allowed) rather than blocking every request on a
// backend outage; callers that need fail-closed behavior should check the
// returned error via AllowNContext instead.
func (s *RedisStore) AllowN(subject string, n int) bool {
	allowed, err := s.AllowNContext(context.Background(), subject, n)
	if err != nil {
		return true
	}
	return allowed
}

// AllowNContext is AllowN with explicit error propagation, for callers that
// want to fail closed on a Redis outage instead of the permissive AllowN.
func (s *RedisStore) AllowNContext(ctx context.Context, subject string, n int) (bool, error) {
	key := s.keyPrefix + subject
	nowMS := s.now().UnixMilli()
	// bucket TTL: long enough that a subject idle for an hour still keeps
	// its partial refill state, short enough not to leak memory forever.
	ttlSeconds := 3600

	result, err := s.client.Eval(ctx, tokenBucketScript, []string{key},
		s.cfg.Capacity, s.cfg.RefillPerSecond, n, nowMS, ttlSeconds).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis eval failed: %w", err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result type %T", result)
	}
	return allowed == 1, nil
}
