// Package pruner retires idle sessions: it forces a final rollup, persists
// the terminal state synchronously and evicts the session from memory.
package pruner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/metrics"
	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
	"github.com/mirchat/mir-backend/internal/session"
)

// Defaults for the idle sweep.
const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultInterval       = 5 * time.Minute
	DefaultPersistTimeout = 10 * time.Second
)

// Config configures a Pruner.
type Config struct {
	// IdleTimeout is how long a session may stay inactive before it is retired.
	IdleTimeout time.Duration

	// Schedule is a cron spec; when empty, "@every Interval" is used.
	Schedule string
	Interval time.Duration

	// PersistTimeout bounds each synchronous state write.
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Schedule == "" {
		c.Schedule = fmt.Sprintf("@every %s", c.Interval)
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	return c
}

// Report summarises one sweep.
type Report struct {
	Scanned       int
	Idle          int
	Evicted       int
	RollupFailed  int
	PersistFailed int
	// Touched counts idle sessions that became active during the sweep.
	Touched       int
}

// Pruner sweeps the session store for idle sessions.
type Pruner struct {
	store      *session.Store
	summarizer session.Summarizer
	users      repository.UserRepository
	cfg        Config
	logger     logrus.FieldLogger
	metrics    *metrics.Collector
}

// New creates a Pruner. It fails if the schedule cannot be parsed.
func New(store *session.Store, summarizer session.Summarizer, users repository.UserRepository, cfg Config, logger logrus.FieldLogger, m *metrics.Collector) (*Pruner, error) {
	cfg = cfg.withDefaults()
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pruner{
		store:      store,
		summarizer: summarizer,
		users:      users,
		cfg:        cfg,
		logger:     logger.WithField("component", "session_pruner"),
		metrics:    m,
	}, nil
}

// RunOnce performs a single sweep as of now. A session is retired only
// after its final rollup and state write both succeed; otherwise it stays
// live and is retried on the next sweep. A session touched after the
// snapshot was taken is kept.
func (p *Pruner) RunOnce(ctx context.Context, now time.Time) Report {
	cutoff := now.Add(-p.cfg.IdleTimeout)
	snapshot := p.store.Snapshot()
	report := Report{Scanned: len(snapshot)}

	for _, s := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if !s.LastActive.Before(cutoff) {
			continue
		}
		report.Idle++
		log := p.logger.WithField("session", s.Key)

		res, err := p.store.Rollup(ctx, s.Key, p.summarizer)
		if err != nil {
			report.RollupFailed++
			log.WithError(err).Warn("Final rollup failed; keeping idle session for next sweep")
			continue
		}
		if !res.Found {
			continue
		}

		state := models.UserState{
			Summary:           res.Session.Summary,
			TotalInputTokens:  res.Session.TotalInputTokens,
			TotalOutputTokens: res.Session.TotalOutputTokens,
		}
		if err := p.persist(ctx, s.Key, state); err != nil {
			report.PersistFailed++
			log.WithError(err).Error("Failed to persist idle session state; keeping session")
			continue
		}

		if !p.store.EvictIfIdle(s.Key, s.Generation, cutoff) {
			report.Touched++
			p.metrics.Inc(metrics.PruneSkipped)
			log.Debug("Session became active during sweep; not evicted")
			continue
		}
		report.Evicted++
		p.metrics.Inc(metrics.SessionsPruned)
		log.WithField("idle_for", s.IdleFor(now).Round(time.Second)).Info("Retired idle session")
	}

	if report.Idle > 0 {
		p.logger.WithFields(logrus.Fields{
			"scanned":        report.Scanned,
			"idle":           report.Idle,
			"evicted":        report.Evicted,
			"rollup_failed":  report.RollupFailed,
			"persist_failed": report.PersistFailed,
		}).Info("Idle session sweep finished")
	}
	return report
}

func (p *Pruner) persist(ctx context.Context, key string, state models.UserState) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()
	return p.users.SaveState(ctx, key, state)
}

// Run schedules sweeps until ctx is cancelled. Overlapping sweeps are
// skipped.
func (p *Pruner) Run(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(p.logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if _, err := c.AddFunc(p.cfg.Schedule, func() {
		p.RunOnce(ctx, p.store.Now())
	}); err != nil {
		return fmt.Errorf("schedule session pruner: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"schedule":     p.cfg.Schedule,
		"idle_timeout": p.cfg.IdleTimeout,
	}).Info("Session pruner started")
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	p.logger.Info("Session pruner stopped")
	return nil
}
