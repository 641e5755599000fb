package metrics

import (
	"sort"
	"sync"
	"time"
)

// Counter names recorded by the collector.
const (
	RollupSucceeded   = "rollup.succeeded"
	RollupFailed      = "rollup.failed"
	RollupSkipped     = "rollup.skipped"
	QueueDropped      = "queue.dropped"
	WriterFlushed     = "writer.flushed"
	WriterFailed      = "writer.failed"
	SessionsPruned    = "pruner.evicted"
	PruneSkipped      = "pruner.skipped"
	TasksCompleted    = "tasks.completed"
	TasksFailed       = "tasks.failed"
	TasksRejected     = "tasks.rejected"
	SummarizerBlocked = "summarizer.blocked"
)

// maxLatencySamples bounds the latency window kept per key.
const maxLatencySamples = 100

// Collector collects in-process counters and latency samples for the
// session manager and its background workers. A nil *Collector is valid
// and records nothing.
type Collector struct {
	counters  map[string]int64
	latencies map[string][]time.Duration
	mu        sync.RWMutex
}

// Stats is a point-in-time copy of the collected metrics.
type Stats struct {
	Counters  map[string]int64   `json:"counters"`
	Latencies map[string]Latency `json:"latencies"`
}

// Latency summarises the recent latency window for one key.
type Latency struct {
	Samples int           `json:"samples"`
	Average time.Duration `json:"average_ns"`
	P95     time.Duration `json:"p95_ns"`
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		counters:  make(map[string]int64),
		latencies: make(map[string][]time.Duration),
	}
}

// Add increments a counter, optionally scoped with a suffix such as a
// queue or writer name.
func (c *Collector) Add(name string, delta int64, scope ...string) {
	if c == nil || delta == 0 {
		return
	}
	key := scopedKey(name, scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key] += delta
}

// Inc increments a counter by one.
func (c *Collector) Inc(name string, scope ...string) {
	c.Add(name, 1, scope...)
}

// ObserveLatency records a latency sample.
func (c *Collector) ObserveLatency(name string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies[name] = append(c.latencies[name], d)

	// Keep only last 100 latencies
	if len(c.latencies[name]) > maxLatencySamples {
		c.latencies[name] = c.latencies[name][1:]
	}
}

// Count returns the current value of a counter.
func (c *Collector) Count(name string, scope ...string) int64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[scopedKey(name, scope)]
}

// Snapshot returns a copy of all counters and latency summaries.
func (c *Collector) Snapshot() Stats {
	stats := Stats{
		Counters:  map[string]int64{},
		Latencies: map[string]Latency{},
	}
	if c == nil {
		return stats
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for k, v := range c.counters {
		stats.Counters[k] = v
	}
	for k, samples := range c.latencies {
		stats.Latencies[k] = summarize(samples)
	}
	return stats
}

func summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return Latency{
		Samples: len(sorted),
		Average: total / time.Duration(len(sorted)),
		P95:     sorted[idx],
	}
}

func scopedKey(name string, scope []string) string {
	key := name
	for _, s := range scope {
		if s != "" {
			key += ":" + s
		}
	}
	return key
}
