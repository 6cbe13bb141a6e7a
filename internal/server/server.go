// Package server assembles the governance subsystem into one process:
// backing store, cache, admission control, connection and resource
// registries, memory monitor, optimization scheduler, and the HTTP
// surface that exposes them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/planforge/govern/internal/bridge"
	"github.com/planforge/govern/internal/cache"
	"github.com/planforge/govern/internal/config"
	"github.com/planforge/govern/internal/connreg"
	"github.com/planforge/govern/internal/memmon"
	"github.com/planforge/govern/internal/ratelimit"
	"github.com/planforge/govern/internal/resreg"
	"github.com/planforge/govern/internal/sched"
	"github.com/planforge/govern/internal/store"
	"github.com/planforge/govern/internal/wsapi"
)

// Server owns every governance component and their lifecycles.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	kv          *store.RedisKV
	Cache       *cache.Cache
	Limiter     *ratelimit.Limiter
	Connections *connreg.Registry
	Resources   *resreg.Registry
	Memory      *memmon.Monitor

	scheduler *sched.Scheduler
	bridge    *bridge.Bridge
	httpSrv   *http.Server
}

// New wires the subsystem together. Nothing starts running until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	kv := store.NewRedisKV(store.Options{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		OpTimeout: cfg.StoreTimeout,
		Logger:    logger,
	})

	c := cache.New(kv, cache.Options{
		DefaultTTL: cfg.CacheDefaultTTL,
		NamespaceTTLs: map[string]time.Duration{
			cache.NamespaceDashboard: cfg.CacheDashboardTTL,
			cache.NamespaceLookup:    cfg.CacheLookupTTL,
		},
		Logger: logger,
	})

	limiter := ratelimit.New(kv.Client(), ratelimit.Options{
		OpTimeout: cfg.StoreTimeout,
		Logger:    logger,
	})

	connections := connreg.New(connreg.Options{
		Limits: connreg.Limits{
			MaxTotal:   cfg.MaxConnections,
			MaxPerUser: cfg.MaxConnectionsPerUser,
			MaxPerRoom: cfg.MaxConnectionsPerRoom,
		},
		SendTimeout:         cfg.ConnSendTimeout,
		MaxBroadcastsPerSec: cfg.MaxBroadcastRate,
		Logger:              logger,
	})

	resources := resreg.New(logger, 0)

	memory, err := memmon.New(memmon.Options{
		WarnBytes:    cfg.MemoryWarnBytes,
		CleanupBytes: cfg.MemoryCleanupBytes,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory monitor: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Logger(),
		kv:          kv,
		Cache:       c,
		Limiter:     limiter,
		Connections: connections,
		Resources:   resources,
		Memory:      memory,
	}

	s.scheduler = sched.New(logger, s.optimizationTasks()...)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// optimizationTasks builds the periodic maintenance work: memory check
// with conditional forced reclamation, idle-connection eviction, and
// unused-resource eviction.
func (s *Server) optimizationTasks() []sched.Task {
	return []sched.Task{
		{
			Name:     "memory_check",
			Interval: s.cfg.MemoryCheckInterval,
			Run: func(ctx context.Context) error {
				if !s.Memory.LogAndCheck("scheduled") {
					return nil
				}
				sample, err := s.Memory.Sample()
				if err != nil {
					return err
				}
				if s.Memory.AboveCleanupThreshold(sample) {
					_, err = s.Memory.ForceReclaim()
					return err
				}
				return nil
			},
		},
		{
			Name:     "connection_cleanup",
			Interval: s.cfg.ConnCleanupInterval,
			Run: func(ctx context.Context) error {
				s.Connections.CleanupIdle(s.cfg.ConnIdleTimeout)
				return nil
			},
		},
		{
			Name:     "resource_cleanup",
			Interval: s.cfg.ResourceCleanupInterval,
			Run: func(ctx context.Context) error {
				s.Resources.CleanupUnused(s.cfg.ResourceMaxAge)
				return nil
			},
		},
	}
}

// routes builds the HTTP surface. Health and metrics bypass admission
// control; everything else goes through the rate-limit middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsapi.NewHandler(s.Connections, s.logger))
	mux.HandleFunc("/stats", s.handleStats)

	limited := s.Limiter.Middleware(mux)

	outer := http.NewServeMux()
	outer.HandleFunc("/healthz", s.handleHealth)
	outer.Handle("/metrics", promhttp.Handler())
	outer.Handle("/", limited)
	return outer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if err := s.kv.Ping(r.Context()); err != nil {
		// Degraded, not down: the subsystem fails open without its store.
		storeStatus = "unreachable"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"backing_store": storeStatus,
		"connections":   s.Connections.Count(),
	})
}

// handleStats serves the read-only statistics consumed by the monitoring
// views.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	memSample, err := s.Memory.Sample()
	if err != nil {
		s.logger.Warn().Err(err).Msg("memory sample failed on stats request")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cache":       s.Cache.Stats(),
		"rate_limit":  s.Limiter.Stats(),
		"connections": s.Connections.Stats(),
		"resources":   s.Resources.Stats(),
		"memory":      memSample,
		"scheduler":   s.scheduler.Stats(),
	})
}

// Start begins serving and launches the background scheduler. Blocks
// until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	if err := s.kv.Ping(context.Background()); err != nil {
		// Startup proceeds regardless: cache and rate limiting degrade
		// gracefully until the store comes back.
		s.logger.Warn().Err(err).Str("addr", s.cfg.RedisAddr).
			Msg("backing store unreachable at startup")
	}

	if s.cfg.NATSURL != "" {
		b, err := bridge.New(s.cfg.NATSURL, s.Connections, s.logger)
		if err != nil {
			return fmt.Errorf("failed to start event bridge: %w", err)
		}
		s.bridge = b
	}

	s.scheduler.Start()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("governance server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server cleanly: no new requests, scheduler halted,
// connections drained, store client closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down")

	err := s.httpSrv.Shutdown(ctx)

	if s.bridge != nil {
		s.bridge.Close()
	}
	s.scheduler.Stop()
	s.Connections.Shutdown()

	if cerr := s.kv.Close(); cerr != nil && err == nil {
		err = cerr
	}

	s.logger.Info().Msg("shutdown complete")
	return err
}
