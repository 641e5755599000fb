// Package writebehind decouples request-time state changes from
// persistence I/O. Records are value snapshots queued without blocking and
// drained in batches by periodic writers.
//
// Delivery is best effort: a record dropped because its queue was full, or
// lost because its batch failed, is logged and counted but not retried.
package writebehind

import (
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/metrics"
)

// DefaultQueueCapacity is used when a queue is created with a
// non-positive capacity.
const DefaultQueueCapacity = 10000

// Queue is a bounded FIFO of write-behind records. Enqueue never blocks:
// when the queue is full the new record is rejected.
type Queue[T any] struct {
	name    string
	items   chan T
	logger  logrus.FieldLogger
	metrics *metrics.Collector
}

// NewQueue creates a queue holding at most capacity records.
func NewQueue[T any](name string, capacity int, logger logrus.FieldLogger, m *metrics.Collector) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Queue[T]{
		name:    name,
		items:   make(chan T, capacity),
		logger:  logger.WithField("queue", name),
		metrics: m,
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Enqueue adds item without blocking. It reports false when the queue is
// full and the item was dropped.
func (q *Queue[T]) Enqueue(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		q.metrics.Inc(metrics.QueueDropped, q.name)
		q.logger.WithField("capacity", cap(q.items)).Warn("Write-behind queue full, dropping record")
		return false
	}
}

// Drain removes and returns up to maxCount queued records without waiting
// for more to arrive.
func (q *Queue[T]) Drain(maxCount int) []T {
	if maxCount <= 0 {
		return nil
	}
	var out []T
	for len(out) < maxCount {
		select {
		case item := <-q.items:
			out = append(out, item)
		default:
			return out
		}
	}
	return out
}

// Len returns the number of queued records.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
