package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planforge/govern/internal/config"
)

func newTestServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Addr:                    ":0",
		RedisAddr:               mr.Addr(),
		StoreTimeout:            time.Second,
		CacheDashboardTTL:       time.Minute,
		CacheLookupTTL:          time.Hour,
		CacheDefaultTTL:         5 * time.Minute,
		MaxConnections:          100,
		MaxConnectionsPerUser:   10,
		MaxConnectionsPerRoom:   10,
		ConnIdleTimeout:         time.Minute,
		ConnSendTimeout:         time.Second,
		ResourceMaxAge:          time.Hour,
		MemoryWarnBytes:         1 << 40,
		MemoryCleanupBytes:      1 << 40,
		MemoryCheckInterval:     time.Minute,
		ConnCleanupInterval:     time.Minute,
		ResourceCleanupInterval: time.Minute,
		LogLevel:                "info",
		LogFormat:               "json",
	}

	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return s, mr
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["backing_store"])
}

func TestHealthReportsStoreOutage(t *testing.T) {
	s, mr := newTestServer(t)
	mr.Close()

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code, "store outage degrades, never fails health")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unreachable", body["backing_store"])
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, key := range []string{"cache", "rate_limit", "connections", "resources", "memory", "scheduler"} {
		assert.Contains(t, body, key)
	}

	// Stats sits behind admission control, so quota headers are present.
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestMetricsAndHealthBypassAdmissionControl(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}
