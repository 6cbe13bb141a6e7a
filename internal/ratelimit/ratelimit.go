// Package ratelimit implements request admission control: a sliding-window
// log rate limiter keyed by (client identity, limit class), backed by
// Redis sorted sets. The limiter protects availability, not correctness,
// so backing-store failures always fail open.
package ratelimit

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/planforge/govern/internal/metrics"
)

// Class defines one limit class: how many requests a single identity may
// make within the sliding window.
type Class struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Limit class names. Classification happens by path prefix before any
// backing-store access.
const (
	ClassDefault = "default"
	ClassAuth    = "auth"
	ClassAPI     = "api"
	ClassUpload  = "upload"
	ClassExport  = "export"
	ClassAI      = "ai"
)

// DefaultClasses returns the stock limit classes. Auth is strict (login
// brute force), uploads and exports are expensive, the AI proxy is
// metered upstream.
func DefaultClasses() map[string]Class {
	return map[string]Class{
		ClassDefault: {Name: ClassDefault, Limit: 100, Window: time.Minute},
		ClassAuth:    {Name: ClassAuth, Limit: 10, Window: time.Minute},
		ClassAPI:     {Name: ClassAPI, Limit: 300, Window: time.Minute},
		ClassUpload:  {Name: ClassUpload, Limit: 20, Window: 5 * time.Minute},
		ClassExport:  {Name: ClassExport, Limit: 10, Window: 10 * time.Minute},
		ClassAI:      {Name: ClassAI, Limit: 30, Window: time.Minute},
	}
}

// Decision is the admission outcome for one request, carrying the quota
// metadata clients use to self-throttle.
type Decision struct {
	Allowed    bool
	Class      string
	Limit      int
	Remaining  int
	Window     time.Duration
	ResetAt    time.Time
	RetryAfter time.Duration
	// FailedOpen marks decisions granted because the backing store was
	// unreachable rather than because quota remained.
	FailedOpen bool
}

// Limiter is the admission controller.
type Limiter struct {
	rdb       *redis.Client
	classes   map[string]Class
	opTimeout time.Duration
	logger    zerolog.Logger

	// Monotonic suffix keeping sorted-set members unique when two requests
	// land on the same nanosecond.
	seq atomic.Int64

	allowed  atomic.Int64
	rejected atomic.Int64
	failOpen atomic.Int64
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	Allowed    int64 `json:"allowed"`
	Rejected   int64 `json:"rejected"`
	FailedOpen int64 `json:"failed_open"`
}

// Options configures a Limiter.
type Options struct {
	// Classes overrides DefaultClasses when non-nil.
	Classes   map[string]Class
	OpTimeout time.Duration
	Logger    zerolog.Logger
}

// New creates a Limiter over the given Redis client.
func New(rdb *redis.Client, opts Options) *Limiter {
	if opts.Classes == nil {
		opts.Classes = DefaultClasses()
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}

	return &Limiter{
		rdb:       rdb,
		classes:   opts.Classes,
		opTimeout: opts.OpTimeout,
		logger:    opts.Logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Classify maps a request path to a limit class. Longest prefixes first so
// /api/auth is not swallowed by /api/.
func (l *Limiter) Classify(path string) Class {
	switch {
	case strings.HasPrefix(path, "/api/auth"):
		return l.classes[ClassAuth]
	case strings.HasPrefix(path, "/api/upload"):
		return l.classes[ClassUpload]
	case strings.HasPrefix(path, "/api/export"):
		return l.classes[ClassExport]
	case strings.HasPrefix(path, "/api/ai"):
		return l.classes[ClassAI]
	case strings.HasPrefix(path, "/api/"):
		return l.classes[ClassAPI]
	default:
		return l.classes[ClassDefault]
	}
}

// Identity derives a stable client identity from the request: the
// authenticated user when the web layer forwarded one, otherwise the
// client IP. Hashed so raw addresses never appear in store keys.
func Identity(r *http.Request) string {
	id := clientIP(r)
	if user := r.Header.Get("X-User-ID"); user != "" {
		id += "|" + user
	}
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Check runs the sliding-window log algorithm for (identity, class).
//
// Expire-record-count executes as one MULTI/EXEC transaction so concurrent
// requests from the same key cannot jointly slip past the limit: each
// transaction observes the cardinality including its own just-added
// timestamp. When that cardinality exceeds the limit the member is removed
// again and the request rejected, so rejected requests never consume
// quota.
func (l *Limiter) Check(ctx context.Context, identity string, class Class) Decision {
	now := time.Now()
	key := windowKey(class.Name, identity)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatInt(l.seq.Add(1), 10)
	windowStart := now.Add(-class.Window).UnixNano()

	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		// Keys expire naturally once an identity goes quiet.
		pipe.Expire(ctx, key, class.Window+time.Minute)
		return nil
	})
	if err != nil {
		// Fail open: a limiter outage must not become a request outage.
		l.failOpen.Add(1)
		metrics.RateLimitStoreErrorsTotal.Inc()
		metrics.RateLimitDecisionsTotal.WithLabelValues(class.Name, "fail_open").Inc()
		l.logger.Warn().Err(err).Str("class", class.Name).
			Msg("backing store unreachable, allowing request")
		return Decision{
			Allowed:    true,
			Class:      class.Name,
			Limit:      class.Limit,
			Remaining:  class.Limit - 1,
			Window:     class.Window,
			ResetAt:    now.Add(class.Window),
			FailedOpen: true,
		}
	}

	count := int(card.Val())
	resetAt := now.Add(class.Window)
	if zs := oldest.Val(); len(zs) > 0 {
		resetAt = time.Unix(0, int64(zs[0].Score)).Add(class.Window)
	}

	if count > class.Limit {
		// Over the limit: withdraw this request's timestamp so rejected
		// traffic does not extend the window.
		if err := l.rdb.ZRem(ctx, key, member).Err(); err != nil {
			l.logger.Warn().Err(err).Str("class", class.Name).
				Msg("failed to withdraw rejected timestamp")
		}

		retryAfter := time.Until(resetAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		if retryAfter > class.Window {
			retryAfter = class.Window
		}

		l.rejected.Add(1)
		metrics.RateLimitDecisionsTotal.WithLabelValues(class.Name, "rejected").Inc()
		l.logger.Debug().Str("class", class.Name).Int("count", count).
			Int("limit", class.Limit).Msg("request rejected")

		return Decision{
			Allowed:    false,
			Class:      class.Name,
			Limit:      class.Limit,
			Remaining:  0,
			Window:     class.Window,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}
	}

	l.allowed.Add(1)
	metrics.RateLimitDecisionsTotal.WithLabelValues(class.Name, "allowed").Inc()

	return Decision{
		Allowed:   true,
		Class:     class.Name,
		Limit:     class.Limit,
		Remaining: class.Limit - count,
		Window:    class.Window,
		ResetAt:   resetAt,
	}
}

// CheckRequest classifies and checks an HTTP request in one call.
func (l *Limiter) CheckRequest(r *http.Request) Decision {
	class := l.Classify(r.URL.Path)
	return l.Check(r.Context(), Identity(r), class)
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed:    l.allowed.Load(),
		Rejected:   l.rejected.Load(),
		FailedOpen: l.failOpen.Load(),
	}
}

func windowKey(class, identity string) string {
	return fmt.Sprintf("rl:%s:%s", class, identity)
}
