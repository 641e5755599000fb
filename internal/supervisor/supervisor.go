// Package supervisor runs request-triggered background work with bounded
// concurrency. Tasks are detached from the request context so they outlive
// the HTTP response, but every task is tracked and can be drained on
// shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/mirchat/mir-backend/internal/metrics"
)

const (
	DefaultMaxConcurrent  = 64
	DefaultAcquireTimeout = 2 * time.Second
	DefaultTaskTimeout    = 2 * time.Minute
)

var (
	// ErrSaturated is returned by Go when no slot frees up within the
	// acquire timeout.
	ErrSaturated = errors.New("supervisor: too many background tasks")
	// ErrClosed is returned by Go after Close.
	ErrClosed = errors.New("supervisor: closed")
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Config configures a Supervisor.
type Config struct {
	MaxConcurrent  int64
	AcquireTimeout time.Duration
	TaskTimeout    time.Duration
}

// Supervisor bounds and tracks background tasks.
type Supervisor struct {
	sem     *semaphore.Weighted
	cfg     Config
	wg      sync.WaitGroup
	logger  logrus.FieldLogger
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
}

// New creates a Supervisor, filling zero config values with defaults.
func New(cfg Config, logger logrus.FieldLogger, m *metrics.Collector) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:     cfg,
		logger:  logger.WithField("component", "supervisor"),
		metrics: m,
	}
}

// Go schedules fn in the background. It waits up to the acquire timeout for
// a free slot and returns ErrSaturated if none becomes available. The task
// receives a context that keeps ctx's values but not its cancellation,
// bounded by the task timeout.
func (s *Supervisor) Go(ctx context.Context, key, name string, fn Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	acquireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AcquireTimeout)
	defer cancel()
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		s.metrics.Inc(metrics.TasksRejected, name)
		s.logger.WithFields(logrus.Fields{
			"session": key,
			"task":    name,
		}).Warn("Background task rejected; supervisor saturated")
		return fmt.Errorf("%w: %s", ErrSaturated, name)
	}

	s.wg.Add(1)
	taskCtx, taskCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TaskTimeout)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer taskCancel()
		s.run(taskCtx, key, name, fn)
	}()
	return nil
}

func (s *Supervisor) run(ctx context.Context, key, name string, fn Task) {
	log := s.logger.WithFields(logrus.Fields{"session": key, "task": name})
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.Inc(metrics.TasksFailed, name)
			log.WithField("panic", r).Errorf("Background task panicked\n%s", debug.Stack())
		}
	}()

	if err := fn(ctx); err != nil {
		s.metrics.Inc(metrics.TasksFailed, name)
		log.WithError(err).Error("Background task failed")
		return
	}
	s.metrics.Inc(metrics.TasksCompleted, name)
	s.metrics.ObserveLatency(metrics.TasksCompleted, time.Since(started))
}

// Close stops accepting new tasks. Tasks already scheduled keep running.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Wait closes the supervisor and blocks until in-flight tasks finish or ctx
// is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
