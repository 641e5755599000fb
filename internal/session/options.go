package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/metrics"
)

// DefaultRollupTimeout bounds a single summarizer call.
const DefaultRollupTimeout = 60 * time.Second

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used to report rollup failures.
func WithLogger(logger logrus.FieldLogger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRollupTimeout sets the timeout applied to each summarizer call.
// A non-positive value disables the timeout.
func WithRollupTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.rollupTimeout = d
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}
