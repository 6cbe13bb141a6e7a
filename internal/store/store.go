// Package store provides the backing key/value store shared by the cache
// layer and the admission controller's window counters. All state the
// subsystem persists lives here; the process itself is stateless across
// restarts apart from in-memory registries.
package store

import (
	"context"
	"time"
)

// KV is the pluggable backing key/value store contract. Implementations
// must be safe for concurrent use and must bound every operation with
// their configured I/O timeout; callers treat errors as degraded service,
// never as request failures.
type KV interface {
	// Get returns the value for key. Absence is (nil, false, nil), not an
	// error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL. A zero TTL means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int, error)

	// DelPattern removes all keys matching a glob pattern and returns the
	// count deleted. Used for invalidation sweeps.
	DelPattern(ctx context.Context, pattern string) (int, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
