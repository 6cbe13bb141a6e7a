package memmon

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, warn, cleanup int64) *Monitor {
	t.Helper()

	m, err := New(Options{
		WarnBytes:    warn,
		CleanupBytes: cleanup,
		HistorySize:  3,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func TestSample(t *testing.T) {
	m := newTestMonitor(t, 0, 0)

	s, err := m.Sample()
	require.NoError(t, err)

	assert.Greater(t, s.RSS, uint64(0))
	assert.Greater(t, s.SystemTotal, uint64(0))
	assert.False(t, s.Timestamp.IsZero())
}

func TestLogAndCheckThreshold(t *testing.T) {
	// 1 byte warning threshold: always exceeded.
	m := newTestMonitor(t, 1, 1)
	assert.True(t, m.LogAndCheck("test"))

	// Absurdly high threshold: never exceeded.
	m = newTestMonitor(t, 1<<60, 1<<60)
	assert.False(t, m.LogAndCheck("test"))
}

func TestHistoryRingBounded(t *testing.T) {
	m := newTestMonitor(t, 0, 0)

	for i := 0; i < 5; i++ {
		m.LogAndCheck("iter")
	}

	hist := m.History()
	require.Len(t, hist, 3, "ring keeps only the most recent N samples")
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i-1].Timestamp), "history ordered oldest first")
	}
}

func TestForceReclaimBelowThresholdStillValid(t *testing.T) {
	m := newTestMonitor(t, 1<<60, 1<<60)

	// Reclamation when memory is already low must return a valid,
	// possibly zero, result without error.
	result, err := m.ForceReclaim()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.BytesFreed, uint64(0))
}

func TestAboveCleanupThreshold(t *testing.T) {
	m := newTestMonitor(t, 1, 100)

	assert.True(t, m.AboveCleanupThreshold(Sample{RSS: 200}))
	assert.False(t, m.AboveCleanupThreshold(Sample{RSS: 50}))

	unconfigured := newTestMonitor(t, 0, 0)
	assert.False(t, unconfigured.AboveCleanupThreshold(Sample{RSS: 1 << 40}))
}
