package resreg

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(zerolog.Nop(), time.Nanosecond)
}

func TestRegisterAccessUnregister(t *testing.T) {
	r := newTestRegistry()

	var released atomic.Int32
	r.Register("model:1", "handle-1", func() error {
		released.Add(1)
		return nil
	})

	res, ok := r.Access("model:1")
	require.True(t, ok)
	assert.Equal(t, "handle-1", res)

	assert.True(t, r.Unregister("model:1"))
	assert.Equal(t, int32(1), released.Load())

	// Second unregister is a no-op and must not release again.
	assert.False(t, r.Unregister("model:1"))
	assert.Equal(t, int32(1), released.Load())

	_, ok = r.Access("model:1")
	assert.False(t, ok)
}

func TestReleaseErrorSwallowed(t *testing.T) {
	r := newTestRegistry()

	r.Register("tmp:1", 42, func() error {
		return errors.New("release failed")
	})

	// Error is logged, not propagated; the entry is still removed.
	assert.True(t, r.Unregister("tmp:1"))
	assert.Equal(t, 0, r.Count())
}

func TestRegisterReplacesAndReleasesPrevious(t *testing.T) {
	r := newTestRegistry()

	var firstReleased atomic.Int32
	r.Register("model:1", "old", func() error {
		firstReleased.Add(1)
		return nil
	})
	r.Register("model:1", "new", nil)

	assert.Equal(t, int32(1), firstReleased.Load())
	res, ok := r.Access("model:1")
	require.True(t, ok)
	assert.Equal(t, "new", res)
	assert.Equal(t, 1, r.Count())
}

func TestCleanupUnusedEvictsStale(t *testing.T) {
	r := newTestRegistry()

	var released atomic.Int32
	r.Register("stale", 1, func() error {
		released.Add(1)
		return nil
	})
	r.Register("fresh", 2, nil)

	time.Sleep(30 * time.Millisecond)
	_, ok := r.Access("fresh")
	require.True(t, ok)

	report := r.CleanupUnused(20 * time.Millisecond)

	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 1, report.Recent, "surviving entry counted in recent bucket")
	assert.Equal(t, int32(1), released.Load())
	assert.Equal(t, 1, r.Count())
}

func TestCleanupSelfRateLimited(t *testing.T) {
	r := New(zerolog.Nop(), time.Hour)

	r.Register("a", 1, nil)
	time.Sleep(10 * time.Millisecond)

	first := r.CleanupUnused(time.Millisecond)
	assert.Equal(t, 1, first.Removed)

	r.Register("b", 1, nil)
	time.Sleep(10 * time.Millisecond)

	second := r.CleanupUnused(time.Millisecond)
	assert.Equal(t, 0, second.Removed, "scan within minimum interval skipped")
	assert.Equal(t, 1, r.Count())
}

func TestAccessRefreshesTimestamp(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", 1, nil)

	// Keep touching the entry; it must survive a cleanup whose max age is
	// longer than the gap between accesses.
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		_, ok := r.Access("a")
		require.True(t, ok)
	}

	report := r.CleanupUnused(25 * time.Millisecond)
	assert.Equal(t, 0, report.Removed)
}
