package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, classes map[string]Class) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := New(rdb, Options{
		Classes:   classes,
		OpTimeout: time.Second,
		Logger:    zerolog.Nop(),
	})
	return l, mr
}

func TestClassify(t *testing.T) {
	l, _ := newTestLimiter(t, nil)

	cases := map[string]string{
		"/api/auth/login":      ClassAuth,
		"/api/upload/files":    ClassUpload,
		"/api/export/report":   ClassExport,
		"/api/ai/summarize":    ClassAI,
		"/api/projects/42":     ClassAPI,
		"/dashboard":           ClassDefault,
		"/":                    ClassDefault,
	}
	for path, want := range cases {
		assert.Equal(t, want, l.Classify(path).Name, "path %s", path)
	}
}

func TestSequentialOverLimit(t *testing.T) {
	// Matches the auth scenario: 10 req/60s, 11 requests within the
	// window. Requests 1-10 accepted, 11 rejected with retry-after <= 60s.
	l, _ := newTestLimiter(t, map[string]Class{
		ClassAuth: {Name: ClassAuth, Limit: 10, Window: time.Minute},
	})
	class := l.classes[ClassAuth]
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := l.Check(ctx, "user-a", class)
		require.True(t, d.Allowed, "request %d should be accepted", i+1)
		assert.Equal(t, 10-(i+1), d.Remaining)
	}

	d := l.Check(ctx, "user-a", class)
	require.False(t, d.Allowed, "request 11 should be rejected")
	assert.Equal(t, 0, d.Remaining)
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestConcurrentBurstAdmitsExactlyLimit(t *testing.T) {
	const limit = 10
	const burst = 25

	l, _ := newTestLimiter(t, map[string]Class{
		ClassDefault: {Name: ClassDefault, Limit: limit, Window: time.Minute},
	})
	class := l.classes[ClassDefault]

	var wg sync.WaitGroup
	results := make([]bool, burst)
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = l.Check(context.Background(), "same-identity", class).Allowed
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, ok := range results {
		if ok {
			accepted++
		}
	}
	assert.Equal(t, limit, accepted, "exactly limit requests accepted regardless of interleaving")
}

func TestIndependentKeys(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Class{
		ClassAuth:    {Name: ClassAuth, Limit: 1, Window: time.Minute},
		ClassDefault: {Name: ClassDefault, Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.True(t, l.Check(ctx, "a", l.classes[ClassAuth]).Allowed)
	assert.False(t, l.Check(ctx, "a", l.classes[ClassAuth]).Allowed)

	// Different identity, same class: unaffected.
	assert.True(t, l.Check(ctx, "b", l.classes[ClassAuth]).Allowed)
	// Same identity, different class: unaffected.
	assert.True(t, l.Check(ctx, "a", l.classes[ClassDefault]).Allowed)
}

func TestWindowSlides(t *testing.T) {
	// Short real-time window: the log trims by wall-clock score, so once
	// the recorded timestamps age past the window the identity is under
	// limit again.
	l, _ := newTestLimiter(t, map[string]Class{
		ClassDefault: {Name: ClassDefault, Limit: 2, Window: 200 * time.Millisecond},
	})
	class := l.classes[ClassDefault]
	ctx := context.Background()

	require.True(t, l.Check(ctx, "a", class).Allowed)
	require.True(t, l.Check(ctx, "a", class).Allowed)
	require.False(t, l.Check(ctx, "a", class).Allowed)

	time.Sleep(250 * time.Millisecond)
	assert.True(t, l.Check(ctx, "a", class).Allowed)
}

func TestFailOpenOnStoreOutage(t *testing.T) {
	l, mr := newTestLimiter(t, nil)
	class := l.classes[ClassDefault]

	mr.Close()

	d := l.Check(context.Background(), "a", class)
	assert.True(t, d.Allowed, "store outage must not reject requests")
	assert.True(t, d.FailedOpen)
	assert.Equal(t, int64(1), l.Stats().FailedOpen)
}

func TestMiddlewareHeaders(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]Class{
		ClassDefault: {Name: ClassDefault, Limit: 2, Window: time.Minute},
		ClassAuth:    {Name: ClassAuth, Limit: 2, Window: time.Minute},
		ClassAPI:     {Name: ClassAPI, Limit: 2, Window: time.Minute},
		ClassUpload:  {Name: ClassUpload, Limit: 2, Window: time.Minute},
		ClassExport:  {Name: ClassExport, Limit: 2, Window: time.Minute},
		ClassAI:      {Name: ClassAI, Limit: 2, Window: time.Minute},
	})

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	do()
	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestIdentityStableAndDistinct(t *testing.T) {
	reqA := httptest.NewRequest(http.MethodGet, "/", nil)
	reqA.RemoteAddr = "10.0.0.1:1111"

	reqA2 := httptest.NewRequest(http.MethodGet, "/other", nil)
	reqA2.RemoteAddr = "10.0.0.1:2222"

	reqB := httptest.NewRequest(http.MethodGet, "/", nil)
	reqB.RemoteAddr = "10.0.0.2:1111"

	assert.Equal(t, Identity(reqA), Identity(reqA2), "same IP, different port")
	assert.NotEqual(t, Identity(reqA), Identity(reqB))

	reqUser := httptest.NewRequest(http.MethodGet, "/", nil)
	reqUser.RemoteAddr = "10.0.0.1:1111"
	reqUser.Header.Set("X-User-ID", "u-42")
	assert.NotEqual(t, Identity(reqA), Identity(reqUser), "user header changes identity")
}
