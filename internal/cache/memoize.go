package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Func is the shape of an operation the cache can wrap: one argument in,
// one result out. Multi-argument operations wrap their inputs in a struct.
type Func[A any, R any] func(ctx context.Context, arg A) (R, error)

// Memoized wraps fn with a compute-key / check-cache / execute-on-miss /
// store cycle. The key is derived from name plus the argument; results are
// stored under the namespace's default TTL. Errors from fn are returned
// unchanged and never cached.
func Memoized[A any, R any](c *Cache, namespace, name string, fn Func[A, R]) Func[A, R] {
	return func(ctx context.Context, arg A) (R, error) {
		key := memoKey(name, arg)

		var cached R
		if c.Get(ctx, namespace, key, &cached) {
			return cached, nil
		}

		result, err := fn(ctx, arg)
		if err != nil {
			return result, err
		}

		c.Set(ctx, namespace, key, result)
		return result, nil
	}
}

// Invalidating wraps a mutating operation so that the memoized entry for
// the same (name, argument) is deleted after the operation completes.
// Execute-then-delete ordering guarantees callers never read a stale value
// immediately after their own write; concurrent readers already mid-flight
// may still observe pre-invalidation data for one round-trip.
func Invalidating[A any, R any](c *Cache, namespace, name string, fn Func[A, R]) Func[A, R] {
	return func(ctx context.Context, arg A) (R, error) {
		result, err := fn(ctx, arg)
		if err != nil {
			return result, err
		}

		c.Delete(ctx, namespace, memoKey(name, arg))
		return result, nil
	}
}

// memoKey builds a deterministic cache key from a function name and its
// argument. Simple scalars are formatted directly; anything structured is
// content-hashed so equal arguments always map to the same key.
func memoKey(name string, arg any) string {
	switch v := arg.(type) {
	case string:
		return name + ":" + v
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, bool:
		return fmt.Sprintf("%s:%v", name, v)
	}

	raw, err := json.Marshal(arg)
	if err != nil {
		// Unmarshalable arguments still need a stable-enough key; fall back
		// to the formatted value.
		raw = []byte(fmt.Sprintf("%+v", arg))
	}
	sum := sha256.Sum256(raw)
	return name + ":" + hex.EncodeToString(sum[:16])
}
