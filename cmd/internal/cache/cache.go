// Package cache is the key-value cache port used for derived counters.
//
// Cached values are never authoritative: callers fall back to the directory
// on ErrMiss or on any transport error.
package cache

import (
	"context"
	"time"
)

// Cache is the minimal contract for a string key-value cache.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value with ttl. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del removes keys and returns how many were removed (best effort for
	// adapters that cannot count).
	Del(ctx context.Context, keys ...string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrMiss signals a cache miss, distinct from transport errors.
var ErrMiss = errMiss{}

type errMiss struct{}

func (errMiss) Error() string { return "cache: miss" }
