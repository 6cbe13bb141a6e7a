// Package cache implements the namespaced cache layer over the backing
// key/value store. Reads fail open: a backing-store error is treated as a
// miss and logged, never surfaced to the request path.
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/planforge/govern/internal/metrics"
	"github.com/planforge/govern/internal/store"
)

// Value encoding tags. A one-byte prefix records which codec produced the
// stored payload so Get can decode it symmetrically.
const (
	encJSON byte = 'j'
	encGob  byte = 'g'
)

// Well-known namespaces. Staleness tolerance differs by data class:
// dashboard aggregates go stale in a minute, lookup tables are near-static.
const (
	NamespaceDashboard = "dashboard"
	NamespaceLookup    = "lookup"
)

// Cache is a namespaced key/value cache with per-namespace default TTLs
// and hit/miss accounting.
type Cache struct {
	kv            store.KV
	defaultTTL    time.Duration
	namespaceTTLs map[string]time.Duration
	logger        zerolog.Logger

	// Stats counters (atomic; read via Stats)
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Options configures a Cache.
type Options struct {
	// DefaultTTL applies to namespaces without an explicit entry.
	DefaultTTL time.Duration
	// NamespaceTTLs maps namespace names to their default TTLs.
	NamespaceTTLs map[string]time.Duration
	Logger        zerolog.Logger
}

// New creates a cache over the given backing store.
func New(kv store.KV, opts Options) *Cache {
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.NamespaceTTLs == nil {
		opts.NamespaceTTLs = map[string]time.Duration{
			NamespaceDashboard: 60 * time.Second,
			NamespaceLookup:    time.Hour,
		}
	}

	return &Cache{
		kv:            kv,
		defaultTTL:    opts.DefaultTTL,
		namespaceTTLs: opts.NamespaceTTLs,
		logger:        opts.Logger.With().Str("component", "cache").Logger(),
	}
}

// TTLFor returns the default TTL for a namespace.
func (c *Cache) TTLFor(namespace string) time.Duration {
	if ttl, ok := c.namespaceTTLs[namespace]; ok {
		return ttl
	}
	return c.defaultTTL
}

func cacheKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get fetches a value into out (a pointer). Returns false on a miss, on an
// expired entry, or on any backing-store or decode error.
func (c *Cache) Get(ctx context.Context, namespace, key string, out any) bool {
	raw, found, err := c.kv.Get(ctx, cacheKey(namespace, key))
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		c.logger.Warn().Err(err).Str("namespace", namespace).Str("key", key).
			Msg("backing store error on get, treating as miss")
		return false
	}
	if !found {
		c.misses.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		c.updateHitRate()
		return false
	}

	if err := decode(raw, out); err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("get", "decode_error").Inc()
		c.logger.Warn().Err(err).Str("namespace", namespace).Str("key", key).
			Msg("cached value failed to decode, treating as miss")
		return false
	}

	c.hits.Add(1)
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	c.updateHitRate()
	return true
}

// Set stores a value under (namespace, key) with the namespace's default
// TTL. Returns false if serialization or the backing store fails; the
// caller proceeds without cache benefit.
func (c *Cache) Set(ctx context.Context, namespace, key string, value any) bool {
	return c.SetTTL(ctx, namespace, key, value, c.TTLFor(namespace))
}

// SetTTL stores a value with an explicit TTL.
func (c *Cache) SetTTL(ctx context.Context, namespace, key string, value any, ttl time.Duration) bool {
	raw, err := encode(value)
	if err != nil {
		c.errors.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("set", "encode_error").Inc()
		c.logger.Warn().Err(err).Str("namespace", namespace).Str("key", key).
			Msg("value not serializable, skipping cache write")
		return false
	}

	if err := c.kv.Set(ctx, cacheKey(namespace, key), raw, ttl); err != nil {
		c.errors.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("set", "error").Inc()
		c.logger.Warn().Err(err).Str("namespace", namespace).Str("key", key).
			Msg("backing store error on set")
		return false
	}

	c.sets.Add(1)
	metrics.CacheOperationsTotal.WithLabelValues("set", "ok").Inc()
	return true
}

// Delete removes a single entry. Returns true if the entry existed.
func (c *Cache) Delete(ctx context.Context, namespace, key string) bool {
	n, err := c.kv.Del(ctx, cacheKey(namespace, key))
	if err != nil {
		c.errors.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("delete", "error").Inc()
		c.logger.Warn().Err(err).Str("namespace", namespace).Str("key", key).
			Msg("backing store error on delete")
		return false
	}
	c.deletes.Add(int64(n))
	metrics.CacheOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return n > 0
}

// DeletePattern removes all entries matching a glob pattern and returns
// the count deleted. Used for invalidation sweeps, e.g.
// DeletePattern(ctx, "dashboard:project:42:*").
func (c *Cache) DeletePattern(ctx context.Context, pattern string) int {
	n, err := c.kv.DelPattern(ctx, pattern)
	if err != nil {
		c.errors.Add(1)
		metrics.CacheOperationsTotal.WithLabelValues("delete_pattern", "error").Inc()
		c.logger.Warn().Err(err).Str("pattern", pattern).
			Msg("backing store error on pattern delete")
	}
	c.deletes.Add(int64(n))
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
		HitRate: hitRate,
	}
}

func (c *Cache) updateHitRate() {
	metrics.CacheHitRate.Set(c.Stats().HitRate)
}

// encode serializes a value, JSON first and gob as the fallback for types
// the JSON codec cannot represent.
func encode(value any) ([]byte, error) {
	if raw, err := json.Marshal(value); err == nil {
		return append([]byte{encJSON}, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(encGob)
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, fmt.Errorf("value not serializable via json or gob: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, out any) error {
	if len(raw) < 1 {
		return fmt.Errorf("empty cached payload")
	}

	switch raw[0] {
	case encJSON:
		return json.Unmarshal(raw[1:], out)
	case encGob:
		return gob.NewDecoder(bytes.NewReader(raw[1:])).Decode(out)
	default:
		return fmt.Errorf("unknown encoding tag %q", raw[0])
	}
}
