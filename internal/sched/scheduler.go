// Package sched runs the periodic optimization tasks: memory checks,
// idle-connection cleanup, and resource cleanup. Each task ticks on its
// own interval in its own goroutine; one task failing or panicking never
// halts the scheduler or its siblings.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/planforge/govern/internal/logging"
	"github.com/planforge/govern/internal/metrics"
)

// Task is one periodic unit of work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler coordinates the background tasks.
type Scheduler struct {
	tasks  []Task
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	runs     atomic.Int64
	failures atomic.Int64
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Tasks    int   `json:"tasks"`
	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
	Running  bool  `json:"running"`
}

// New creates a scheduler for the given tasks.
func New(logger zerolog.Logger, tasks ...Task) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  tasks,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches one ticker goroutine per task. Safe to call once.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.runLoop(task)
	}

	s.logger.Info().Int("tasks", len(s.tasks)).Msg("optimization scheduler started")
}

func (s *Scheduler) runLoop(task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	logger := s.logger.With().Str("task", task.Name).Logger()
	logger.Info().Dur("interval", task.Interval).Msg("task scheduled")

	for {
		select {
		case <-ticker.C:
			s.runOnce(logger, task)
		case <-s.ctx.Done():
			logger.Debug().Msg("task stopped")
			return
		}
	}
}

// runOnce executes a single task iteration with failure isolation.
func (s *Scheduler) runOnce(logger zerolog.Logger, task Task) {
	defer logging.RecoverPanic(logger, "sched_"+task.Name)

	s.runs.Add(1)
	start := time.Now()

	if err := task.Run(s.ctx); err != nil {
		s.failures.Add(1)
		metrics.SchedulerRunsTotal.WithLabelValues(task.Name, "error").Inc()
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).
			Msg("task iteration failed")
		return
	}

	metrics.SchedulerRunsTotal.WithLabelValues(task.Name, "ok").Inc()
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("task iteration completed")
}

// Stop halts the scheduler: no new iterations start, and Stop returns once
// in-flight iterations complete.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info().
		Int64("total_runs", s.runs.Load()).
		Int64("total_failures", s.failures.Load()).
		Msg("optimization scheduler stopped")
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Tasks:    len(s.tasks),
		Runs:     s.runs.Load(),
		Failures: s.failures.Load(),
		Running:  s.started.Load() && s.ctx.Err() == nil,
	}
}
