package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/banshee-data/sentinel/internal/monitoring"
	"github.com/banshee-data/sentinel/internal/timeutil"
)

// Deduper remembers alert keys for a TTL. Claim reports true exactly once
// per key within the TTL.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	ttl   time.Duration
	clock timeutil.Clock

	mu        sync.Mutex
	seen      map[string]time.Time // key -> expiry
	lastSweep time.Time
}

// NewMemoryDeduper creates an in-memory deduper. A nil clock uses the
// wall clock.
func NewMemoryDeduper(ttl time.Duration, clock timeutil.Clock) *MemoryDeduper {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &MemoryDeduper{ttl: ttl, clock: clock, seen: make(map[string]time.Time)}
}

// Claim implements Deduper. It never fails.
func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastSweep) > d.ttl {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
		d.lastSweep = now
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

// Len returns the number of remembered keys, including expired ones not
// yet swept.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// RedisDeduper claims keys with SETNX so several Center processes sharing
// one Redis emit each alert once. Every claim is mirrored in a local
// MemoryDeduper, which alone decides while Redis is unreachable; a key is
// granted only if neither store has seen it.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	local  *MemoryDeduper
	logger *zap.Logger
}

// NewRedisDeduper wraps client. Keys are stored as prefix+key.
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration, clock timeutil.Clock, logger *zap.Logger) *RedisDeduper {
	return &RedisDeduper{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		local:  NewMemoryDeduper(ttl, clock),
		logger: monitoring.OrNop(logger),
	}
}

// Claim implements Deduper. Redis errors are logged and absorbed.
func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	fresh, err := d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	localFresh, _ := d.local.Claim(ctx, key)
	if err != nil {
		d.logger.Warn("redis dedup unavailable, using local state",
			zap.String("key", key),
			zap.Error(err),
		)
		return localFresh, nil
	}
	return fresh && localFresh, nil
}
