package store

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// delScanBatch bounds how many keys a single SCAN iteration hands to DEL
// during a pattern sweep.
const delScanBatch = 512

// RedisKV implements KV on a Redis client. Every call is bounded by
// opTimeout so a slow or unreachable Redis degrades the caller instead of
// blocking it.
type RedisKV struct {
	rdb       *redis.Client
	opTimeout time.Duration
	logger    zerolog.Logger
}

// Options configures the Redis-backed store.
type Options struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
	Logger    zerolog.Logger
}

// NewRedisKV creates a Redis-backed KV store.
func NewRedisKV(opts Options) *RedisKV {
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &RedisKV{
		rdb:       rdb,
		opTimeout: opts.OpTimeout,
		logger:    opts.Logger.With().Str("component", "store").Logger(),
	}
}

// NewRedisKVFromClient wraps an existing client. Used by tests and by
// callers that share one client across components.
func NewRedisKVFromClient(rdb *redis.Client, opTimeout time.Duration, logger zerolog.Logger) *RedisKV {
	if opTimeout == 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &RedisKV{
		rdb:       rdb,
		opTimeout: opTimeout,
		logger:    logger.With().Str("component", "store").Logger(),
	}
}

// Client exposes the underlying Redis client for components that need
// richer primitives than plain KV (the admission controller's sorted-set
// pipeline).
func (s *RedisKV) Client() *redis.Client {
	return s.rdb
}

// OpTimeout returns the configured per-operation timeout.
func (s *RedisKV) OpTimeout() time.Duration {
	return s.opTimeout
}

func (s *RedisKV) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisKV) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.Del(ctx, keys...).Result()
	return int(n), err
}

// DelPattern deletes all keys matching the glob pattern using SCAN with
// batched DELs. KEYS is never used: it blocks the Redis event loop on
// large keyspaces.
func (s *RedisKV) DelPattern(ctx context.Context, pattern string) (int, error) {
	// Pattern sweeps walk the keyspace, so they get a more generous bound
	// than single-key operations.
	ctx, cancel := context.WithTimeout(ctx, 4*s.opTimeout)
	defer cancel()

	deleted := 0
	batch := make([]string, 0, delScanBatch)

	iter := s.rdb.Scan(ctx, 0, pattern, delScanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= delScanBatch {
			n, err := s.rdb.Del(ctx, batch...).Result()
			deleted += int(n)
			if err != nil {
				return deleted, err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}

	if len(batch) > 0 {
		n, err := s.rdb.Del(ctx, batch...).Result()
		deleted += int(n)
		if err != nil {
			return deleted, err
		}
	}

	return deleted, nil
}

func (s *RedisKV) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisKV) Close() error {
	return s.rdb.Close()
}
