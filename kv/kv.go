package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the shared key-value capability used for hot cache entries,
// inflight registrations and budget counters. All mutations that must be
// atomic across concurrent callers (SetNX, IncrBy) map to single store
// operations; application code never does read-modify-write on these keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent; reports whether this caller won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// IncrBy atomically adds delta and returns the new value. ttl is applied
	// when the increment created the key.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
	// TTL returns the remaining lifetime, or 0 if the key has no expiry
	// or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
