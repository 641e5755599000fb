package writebehind

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/metrics"
)

// Writer defaults, matching the chat-log writer.
const (
	DefaultMaxBatch        = 200
	DefaultInterval        = 30 * time.Second
	DefaultFlushTimeout    = 20 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// FlushFunc submits one batch to durable storage. Records in a batch are
// independent; an implementation must attempt every record even when some
// fail, and may return a *multierror.Error describing the failures.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// WriterConfig configures a BatchWriter.
type WriterConfig struct {
	MaxBatch        int
	Interval        time.Duration
	FlushTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// BatchWriter periodically drains a queue and submits what it drained as
// one unordered batch.
type BatchWriter[T any] struct {
	queue   *Queue[T]
	flush   FlushFunc[T]
	cfg     WriterConfig
	logger  logrus.FieldLogger
	metrics *metrics.Collector
}

// NewBatchWriter creates a writer for q.
func NewBatchWriter[T any](q *Queue[T], flush FlushFunc[T], cfg WriterConfig, logger logrus.FieldLogger, m *metrics.Collector) *BatchWriter[T] {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BatchWriter[T]{
		queue:   q,
		flush:   flush,
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("writer", q.Name()),
		metrics: m,
	}
}

// RunOnce drains at most MaxBatch records and flushes them. It returns the
// number of records drained. Records left in the queue wait for the next
// cycle.
func (w *BatchWriter[T]) RunOnce(ctx context.Context) (int, error) {
	batch := w.queue.Drain(w.cfg.MaxBatch)
	if len(batch) == 0 {
		return 0, nil
	}

	flushCtx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout)
	defer cancel()

	started := time.Now()
	err := w.flush(flushCtx, batch)
	failed := failedCount(err, len(batch))

	w.metrics.Add(metrics.WriterFlushed, int64(len(batch)-failed), w.queue.Name())
	w.metrics.Add(metrics.WriterFailed, int64(failed), w.queue.Name())
	w.metrics.ObserveLatency(metrics.WriterFlushed+":"+w.queue.Name(), time.Since(started))

	entry := w.logger.WithFields(logrus.Fields{
		"batch":     len(batch),
		"failed":    failed,
		"remaining": w.queue.Len(),
	})
	if err != nil {
		entry.WithError(err).Error("Write-behind batch had failures; failed records are dropped")
	} else {
		entry.Debug("Write-behind batch flushed")
	}
	return len(batch), err
}

// Run flushes every Interval until ctx is cancelled. I/O failures are
// logged and never stop the loop. On cancellation the queue is drained one
// last time under ShutdownTimeout.
func (w *BatchWriter[T]) Run(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"interval":  w.cfg.Interval,
		"max_batch": w.cfg.MaxBatch,
	}).Info("Write-behind writer started")

	timer := time.NewTimer(w.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainOnShutdown()
			return nil
		case <-timer.C:
			_, _ = w.RunOnce(ctx)
			timer.Reset(w.cfg.Interval)
		}
	}
}

func (w *BatchWriter[T]) drainOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()

	total := 0
	for ctx.Err() == nil {
		n, _ := w.RunOnce(ctx)
		if n == 0 {
			break
		}
		total += n
	}
	w.logger.WithFields(logrus.Fields{
		"flushed": total,
		"dropped": w.queue.Len(),
	}).Info("Write-behind writer stopped")
}

func failedCount(err error, batch int) int {
	if err == nil {
		return 0
	}
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) <= batch {
		return len(merr.Errors)
	}
	return batch
}
