// Package cache is the fast, ephemeral tier shared by concurrent consumers:
// last write wins per key, every key is TTL-bound, and the only atomic
// operations are SetNX and Incr.
package cache

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Expire resets the TTL of an existing key. Missing keys are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr atomically increments key, creating it with ttl on first use.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Open returns a Redis-backed Store for redisURL, or an in-process Store when
// redisURL is empty. The in-process Store is only correct for a single
// consumer process.
func Open(redisURL string, maxActive int) Store {
	if redisURL == "" {
		return NewMemory(time.Minute)
	}
	return &Redis{Pool: NewRedisPool(redisURL, maxActive), Prefix: "wapipe:"}
}
