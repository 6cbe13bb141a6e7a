// Package connreg tracks live long-lived connections: three-tier admission
// quotas (global, per-user, per-room), room broadcast groups, and idle
// eviction. The registry owns each connection for its lifetime and
// releases the underlying transport exactly once.
package connreg

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/planforge/govern/internal/metrics"
)

// Transport is the underlying handle for a long-lived connection. The
// registry only needs to push bytes and release the handle; the wire
// protocol lives with the caller.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Conn is one registered connection. Owned exclusively by the registry;
// mutations go through registry operations, never direct field access.
type Conn struct {
	ID     string
	UserID string // optional
	RoomID string // optional

	transport    Transport
	createdAt    time.Time
	lastActivity time.Time
	messageCount int64
	closeOnce    sync.Once
}

// ConnInfo is a read-only snapshot of a connection.
type ConnInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	RoomID       string    `json:"room_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int64     `json:"message_count"`
}

// Limits holds the three-tier connection quotas. A single global cap lets
// one user or one hot room starve everyone else; per-user and per-room
// caps restore fairness without per-connection prioritization.
type Limits struct {
	MaxTotal   int
	MaxPerUser int
	MaxPerRoom int
}

// Options configures a Registry.
type Options struct {
	Limits Limits
	// SendTimeout bounds each broadcast send so one slow recipient cannot
	// block delivery to the rest of the room.
	SendTimeout time.Duration
	// CleanupMinInterval rate-limits idle scans; a scan requested sooner
	// than this after the previous one is skipped.
	CleanupMinInterval time.Duration
	// MaxBroadcastsPerSec caps broadcast frequency (0 disables the cap).
	MaxBroadcastsPerSec int
	Logger              zerolog.Logger
}

// Registry tracks live connections. Safe for concurrent use by request
// handlers and the background cleanup task.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
	byRoom map[string]map[string]*Conn

	limits             Limits
	sendTimeout        time.Duration
	cleanupMinInterval time.Duration
	broadcastLimiter   *rate.Limiter
	logger             zerolog.Logger

	lastCleanup time.Time

	// Counters (guarded by mu)
	totalAdmitted   int64
	totalRejected   int64
	totalEvicted    int64
	totalBroadcasts int64
}

// Stats is a snapshot of registry state.
type Stats struct {
	Active          int   `json:"active"`
	Rooms           int   `json:"rooms"`
	Users           int   `json:"users"`
	TotalAdmitted   int64 `json:"total_admitted"`
	TotalRejected   int64 `json:"total_rejected"`
	TotalEvicted    int64 `json:"total_evicted"`
	TotalBroadcasts int64 `json:"total_broadcasts"`
	MaxTotal        int   `json:"max_total"`
	MaxPerUser      int   `json:"max_per_user"`
	MaxPerRoom      int   `json:"max_per_room"`
}

// New creates a connection registry.
func New(opts Options) *Registry {
	if opts.Limits.MaxTotal == 0 {
		opts.Limits.MaxTotal = 10000
	}
	if opts.Limits.MaxPerUser == 0 {
		opts.Limits.MaxPerUser = 20
	}
	if opts.Limits.MaxPerRoom == 0 {
		opts.Limits.MaxPerRoom = 100
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.CleanupMinInterval == 0 {
		opts.CleanupMinInterval = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.MaxBroadcastsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxBroadcastsPerSec), opts.MaxBroadcastsPerSec*2)
	}

	return &Registry{
		conns:              make(map[string]*Conn),
		byUser:             make(map[string]map[string]*Conn),
		byRoom:             make(map[string]map[string]*Conn),
		limits:             opts.Limits,
		sendTimeout:        opts.SendTimeout,
		cleanupMinInterval: opts.CleanupMinInterval,
		broadcastLimiter:   limiter,
		logger:             opts.Logger.With().Str("component", "connreg").Logger(),
	}
}

// Add admits a connection if all three quotas allow it. The quota check
// and insert happen under one lock so concurrent admissions cannot
// jointly exceed a quota; a rejected connection never appears in any
// count.
func (r *Registry) Add(id string, transport Transport, userID, roomID string) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		r.totalRejected++
		metrics.ConnectionRejectionsTotal.WithLabelValues("duplicate_id").Inc()
		r.logger.Warn().Str("conn_id", id).Msg("connection rejected: duplicate id")
		return false
	}
	if len(r.conns) >= r.limits.MaxTotal {
		r.totalRejected++
		metrics.ConnectionRejectionsTotal.WithLabelValues("global").Inc()
		r.logger.Debug().Str("conn_id", id).Int("max", r.limits.MaxTotal).
			Msg("connection rejected: global quota")
		return false
	}
	if userID != "" && len(r.byUser[userID]) >= r.limits.MaxPerUser {
		r.totalRejected++
		metrics.ConnectionRejectionsTotal.WithLabelValues("per_user").Inc()
		r.logger.Debug().Str("conn_id", id).Str("user_id", userID).
			Int("max", r.limits.MaxPerUser).Msg("connection rejected: per-user quota")
		return false
	}
	if roomID != "" && len(r.byRoom[roomID]) >= r.limits.MaxPerRoom {
		r.totalRejected++
		metrics.ConnectionRejectionsTotal.WithLabelValues("per_room").Inc()
		r.logger.Debug().Str("conn_id", id).Str("room_id", roomID).
			Int("max", r.limits.MaxPerRoom).Msg("connection rejected: per-room quota")
		return false
	}

	conn := &Conn{
		ID:           id,
		UserID:       userID,
		RoomID:       roomID,
		transport:    transport,
		createdAt:    now,
		lastActivity: now,
	}
	r.conns[id] = conn
	if userID != "" {
		if r.byUser[userID] == nil {
			r.byUser[userID] = make(map[string]*Conn)
		}
		r.byUser[userID][id] = conn
	}
	if roomID != "" {
		if r.byRoom[roomID] == nil {
			r.byRoom[roomID] = make(map[string]*Conn)
		}
		r.byRoom[roomID][id] = conn
	}

	r.totalAdmitted++
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(len(r.conns)))
	r.logger.Debug().Str("conn_id", id).Str("user_id", userID).
		Str("room_id", roomID).Int("active", len(r.conns)).Msg("connection admitted")

	return true
}

// Remove deletes a connection, closing its transport exactly once. Close
// errors are logged and swallowed: a transport that fails to close must
// not block removal. Idempotent.
func (r *Registry) Remove(id string) {
	r.remove(id, "explicit")
}

func (r *Registry) remove(id, reason string) {
	r.mu.Lock()
	conn, exists := r.conns[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	if conn.UserID != "" {
		delete(r.byUser[conn.UserID], id)
		if len(r.byUser[conn.UserID]) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if conn.RoomID != "" {
		delete(r.byRoom[conn.RoomID], id)
		if len(r.byRoom[conn.RoomID]) == 0 {
			delete(r.byRoom, conn.RoomID)
		}
	}
	active := len(r.conns)
	if reason != "explicit" {
		r.totalEvicted++
	}
	r.mu.Unlock()

	// Transport close happens outside the lock; a hanging close must not
	// stall unrelated admissions.
	conn.closeOnce.Do(func() {
		if err := conn.transport.Close(); err != nil {
			r.logger.Warn().Err(err).Str("conn_id", id).Msg("transport close failed")
		}
	})

	metrics.ConnectionsActive.Set(float64(active))
	metrics.ConnectionsEvictedTotal.WithLabelValues(reason).Inc()
	r.logger.Debug().Str("conn_id", id).Str("reason", reason).
		Int("active", active).Msg("connection removed")
}

// Touch refreshes a connection's last-activity timestamp and bumps its
// message counter. Called on every inbound or outbound message.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, exists := r.conns[id]; exists {
		conn.lastActivity = time.Now()
		conn.messageCount++
	}
}

// Broadcast sends a message to every connection in a room. The member set
// is snapshotted first so removals never mutate a set mid-iteration; any
// connection whose send fails is removed after the fan-out completes.
// Returns the number of successful sends.
func (r *Registry) Broadcast(ctx context.Context, roomID string, message []byte) int {
	if r.broadcastLimiter != nil && !r.broadcastLimiter.Allow() {
		r.logger.Warn().Str("room_id", roomID).Msg("broadcast dropped: rate limit")
		return 0
	}

	r.mu.RLock()
	members := make([]*Conn, 0, len(r.byRoom[roomID]))
	for _, conn := range r.byRoom[roomID] {
		members = append(members, conn)
	}
	r.mu.RUnlock()

	if len(members) == 0 {
		return 0
	}

	var failed []string
	sent := 0
	for _, conn := range members {
		sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := conn.transport.Send(sendCtx, message)
		cancel()

		if err != nil {
			r.logger.Debug().Err(err).Str("conn_id", conn.ID).
				Str("room_id", roomID).Msg("broadcast send failed, scheduling removal")
			failed = append(failed, conn.ID)
			continue
		}
		sent++
		metrics.BroadcastMessagesTotal.Inc()
	}

	for _, id := range failed {
		r.remove(id, "send_failure")
	}

	r.mu.Lock()
	r.totalBroadcasts++
	for _, conn := range members {
		if c, ok := r.conns[conn.ID]; ok {
			c.lastActivity = time.Now()
			c.messageCount++
		}
	}
	r.mu.Unlock()

	return sent
}

// CleanupIdle evicts connections idle longer than threshold. Scans are
// self-rate-limited: a call sooner than CleanupMinInterval after the
// previous scan is a no-op, bounding scan cost under churn. Returns the
// number evicted.
func (r *Registry) CleanupIdle(threshold time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	if now.Sub(r.lastCleanup) < r.cleanupMinInterval {
		r.mu.Unlock()
		return 0
	}
	r.lastCleanup = now

	var stale []string
	for id, conn := range r.conns {
		if now.Sub(conn.lastActivity) > threshold {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.remove(id, "idle")
	}

	if len(stale) > 0 {
		r.logger.Info().Int("evicted", len(stale)).Dur("threshold", threshold).
			Msg("idle connections evicted")
	}
	return len(stale)
}

// Count returns the number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of connections in a room.
func (r *Registry) RoomCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}

// Get returns a snapshot of a connection, if registered.
func (r *Registry) Get(id string) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[id]
	if !exists {
		return ConnInfo{}, false
	}
	return ConnInfo{
		ID:           conn.ID,
		UserID:       conn.UserID,
		RoomID:       conn.RoomID,
		CreatedAt:    conn.createdAt,
		LastActivity: conn.lastActivity,
		MessageCount: conn.messageCount,
	}, true
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Active:          len(r.conns),
		Rooms:           len(r.byRoom),
		Users:           len(r.byUser),
		TotalAdmitted:   r.totalAdmitted,
		TotalRejected:   r.totalRejected,
		TotalEvicted:    r.totalEvicted,
		TotalBroadcasts: r.totalBroadcasts,
		MaxTotal:        r.limits.MaxTotal,
		MaxPerUser:      r.limits.MaxPerUser,
		MaxPerRoom:      r.limits.MaxPerRoom,
	}
}

// Shutdown removes every connection, closing all transports.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.remove(id, "shutdown")
	}
	r.logger.Info().Int("closed", len(ids)).Msg("connection registry drained")
}
