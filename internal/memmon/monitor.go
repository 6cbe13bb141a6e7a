// Package memmon samples process memory usage via gopsutil, classifies it
// against warning/cleanup thresholds, and can force a reclamation pass.
// Forced reclamation has real CPU cost and is a defensive measure for the
// optimization scheduler, not a per-request tool.
package memmon

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/planforge/govern/internal/metrics"
)

// defaultHistorySize bounds the sample ring.
const defaultHistorySize = 60

// Sample is an immutable snapshot of process and system memory.
type Sample struct {
	RSS             uint64    `json:"rss_bytes"`
	VMS             uint64    `json:"vms_bytes"`
	Percent         float64   `json:"percent"`
	SystemAvailable uint64    `json:"system_available_bytes"`
	SystemTotal     uint64    `json:"system_total_bytes"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReclaimResult reports a forced reclamation pass.
type ReclaimResult struct {
	BytesFreed       uint64 `json:"bytes_freed"`
	ObjectsCollected uint64 `json:"objects_collected"`
}

// Monitor samples memory on demand and keeps a bounded history ring.
type Monitor struct {
	proc         *process.Process
	warnBytes    int64
	cleanupBytes int64
	logger       zerolog.Logger

	mu      sync.Mutex
	history []Sample
	histIdx int
}

// Options configures a Monitor.
type Options struct {
	// WarnBytes is the RSS level at which LogAndCheck reports exceedance.
	WarnBytes int64
	// CleanupBytes is the RSS level the scheduler treats as requiring a
	// forced reclamation pass.
	CleanupBytes int64
	HistorySize  int
	Logger       zerolog.Logger
}

// New creates a memory monitor for the current process.
func New(opts Options) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process handle: %w", err)
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = defaultHistorySize
	}

	return &Monitor{
		proc:         proc,
		warnBytes:    opts.WarnBytes,
		cleanupBytes: opts.CleanupBytes,
		logger:       opts.Logger.With().Str("component", "memmon").Logger(),
		history:      make([]Sample, 0, opts.HistorySize),
	}, nil
}

// Sample takes a point-in-time memory snapshot.
func (m *Monitor) Sample() (Sample, error) {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read process memory: %w", err)
	}

	pct, err := m.proc.MemoryPercent()
	if err != nil {
		// Percent is informational; a failure here should not void the
		// whole sample.
		pct = 0
	}

	s := Sample{
		RSS:       info.RSS,
		VMS:       info.VMS,
		Percent:   float64(pct),
		Timestamp: time.Now(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.SystemAvailable = vm.Available
		s.SystemTotal = vm.Total
	}

	metrics.MemoryRSSBytes.Set(float64(s.RSS))
	return s, nil
}

// LogAndCheck samples memory, appends to the history ring, logs the state
// under the given label, and reports whether RSS crossed the warning
// threshold.
func (m *Monitor) LogAndCheck(label string) bool {
	s, err := m.Sample()
	if err != nil {
		m.logger.Warn().Err(err).Str("context", label).Msg("memory sample failed")
		return false
	}

	m.record(s)

	exceeded := m.warnBytes > 0 && int64(s.RSS) > m.warnBytes
	evt := m.logger.Debug()
	if exceeded {
		evt = m.logger.Warn()
	}
	evt.Str("context", label).
		Uint64("rss_mb", s.RSS/(1024*1024)).
		Uint64("vms_mb", s.VMS/(1024*1024)).
		Float64("percent", s.Percent).
		Uint64("system_available_mb", s.SystemAvailable/(1024*1024)).
		Bool("threshold_exceeded", exceeded).
		Msg("memory checked")

	return exceeded
}

// AboveCleanupThreshold reports whether the given sample warrants a forced
// reclamation pass.
func (m *Monitor) AboveCleanupThreshold(s Sample) bool {
	return m.cleanupBytes > 0 && int64(s.RSS) > m.cleanupBytes
}

// ForceReclaim runs a forced garbage collection and returns memory to the
// OS, reporting the before/after delta. Deltas are clamped at zero: when
// resident memory is already low the pass is a valid no-op, not an error.
func (m *Monitor) ForceReclaim() (ReclaimResult, error) {
	before, err := m.Sample()
	if err != nil {
		return ReclaimResult{}, err
	}

	var msBefore runtime.MemStats
	runtime.ReadMemStats(&msBefore)

	runtime.GC()
	debug.FreeOSMemory()

	var msAfter runtime.MemStats
	runtime.ReadMemStats(&msAfter)

	after, err := m.Sample()
	if err != nil {
		return ReclaimResult{}, err
	}

	var result ReclaimResult
	if before.RSS > after.RSS {
		result.BytesFreed = before.RSS - after.RSS
	}
	if msBefore.HeapObjects > msAfter.HeapObjects {
		result.ObjectsCollected = msBefore.HeapObjects - msAfter.HeapObjects
	}

	metrics.MemoryReclaimsTotal.Inc()
	metrics.MemoryReclaimedBytesTotal.Add(float64(result.BytesFreed))
	m.logger.Info().
		Uint64("bytes_freed", result.BytesFreed).
		Uint64("objects_collected", result.ObjectsCollected).
		Uint64("rss_mb", after.RSS/(1024*1024)).
		Msg("forced memory reclamation completed")

	return result, nil
}

// History returns the recorded samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Sample, 0, len(m.history))
	if len(m.history) < cap(m.history) {
		out = append(out, m.history...)
		return out
	}
	out = append(out, m.history[m.histIdx:]...)
	out = append(out, m.history[:m.histIdx]...)
	return out
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) < cap(m.history) {
		m.history = append(m.history, s)
		return
	}
	m.history[m.histIdx] = s
	m.histIdx = (m.histIdx + 1) % cap(m.history)
}
