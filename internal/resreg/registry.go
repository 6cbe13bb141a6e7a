// Package resreg is the generic companion to the connection registry for
// non-network resources: cached model handles, temporary files, anything
// with a last-accessed timestamp and an optional release step. Entries are
// evicted after a configurable idle age; release callbacks run at most
// once.
package resreg

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/planforge/govern/internal/metrics"
)

// ReleaseFunc releases an evicted or unregistered resource. An error is
// logged by the registry, never propagated.
type ReleaseFunc func() error

type entry struct {
	resource   any
	registered time.Time
	lastAccess time.Time
	release    ReleaseFunc
	released   bool
}

// Registry tracks registered resources by opaque identifier.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  zerolog.Logger

	lastCleanup        time.Time
	cleanupMinInterval time.Duration
}

// CleanupReport describes one cleanup pass. The age buckets of the
// surviving entries (<1h, 1-24h, >24h since last access) aid tuning of the
// max-age threshold.
type CleanupReport struct {
	Removed int `json:"removed"`
	Recent  int `json:"recent"`
	Old     int `json:"old"`
	VeryOld int `json:"very_old"`
}

// Stats is a snapshot of registry state.
type Stats struct {
	Registered int `json:"registered"`
}

// New creates a resource registry.
func New(logger zerolog.Logger, cleanupMinInterval time.Duration) *Registry {
	if cleanupMinInterval == 0 {
		cleanupMinInterval = 30 * time.Second
	}
	return &Registry{
		entries:            make(map[string]*entry),
		logger:             logger.With().Str("component", "resreg").Logger(),
		cleanupMinInterval: cleanupMinInterval,
	}
}

// Register tracks a resource under id. Re-registering an id replaces the
// previous entry, releasing it first. onRelease may be nil.
func (r *Registry) Register(id string, resource any, onRelease ReleaseFunc) {
	now := time.Now()

	r.mu.Lock()
	prev := r.entries[id]
	r.entries[id] = &entry{
		resource:   resource,
		registered: now,
		lastAccess: now,
		release:    onRelease,
	}
	count := len(r.entries)
	r.mu.Unlock()

	if prev != nil {
		r.releaseEntry(id, prev)
	}
	metrics.ResourcesRegistered.Set(float64(count))
}

// Access returns the resource for id, refreshing its last-accessed
// timestamp. Returns (nil, false) for unknown ids.
func (r *Registry) Access(id string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	e.lastAccess = time.Now()
	return e.resource, true
}

// Unregister removes a resource, invoking its release callback at most
// once. Returns false for unknown ids.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	count := len(r.entries)
	r.mu.Unlock()

	r.releaseEntry(id, e)
	metrics.ResourcesRegistered.Set(float64(count))
	return true
}

// CleanupUnused evicts entries whose last access is older than maxAge and
// reports the age distribution of the survivors. Self-rate-limited like
// the connection registry's idle scan.
func (r *Registry) CleanupUnused(maxAge time.Duration) CleanupReport {
	now := time.Now()

	r.mu.Lock()
	if now.Sub(r.lastCleanup) < r.cleanupMinInterval {
		r.mu.Unlock()
		return CleanupReport{}
	}
	r.lastCleanup = now

	var report CleanupReport
	var evicted []string
	var evictedEntries []*entry
	for id, e := range r.entries {
		age := now.Sub(e.lastAccess)
		if age > maxAge {
			evicted = append(evicted, id)
			evictedEntries = append(evictedEntries, e)
			delete(r.entries, id)
			continue
		}
		switch {
		case age < time.Hour:
			report.Recent++
		case age <= 24*time.Hour:
			report.Old++
		default:
			report.VeryOld++
		}
	}
	count := len(r.entries)
	r.mu.Unlock()

	for i, id := range evicted {
		r.releaseEntry(id, evictedEntries[i])
	}
	report.Removed = len(evicted)

	metrics.ResourcesRegistered.Set(float64(count))
	if report.Removed > 0 {
		r.logger.Info().Int("removed", report.Removed).Int("recent", report.Recent).
			Int("old", report.Old).Int("very_old", report.VeryOld).
			Dur("max_age", maxAge).Msg("unused resources evicted")
	}
	return report
}

// Count returns the number of registered resources.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats returns a snapshot of registry state.
func (r *Registry) Stats() Stats {
	return Stats{Registered: r.Count()}
}

func (r *Registry) releaseEntry(id string, e *entry) {
	if e.release == nil || e.released {
		return
	}
	e.released = true

	if err := e.release(); err != nil {
		r.logger.Warn().Err(err).Str("resource_id", id).Msg("resource release failed")
	}
}
