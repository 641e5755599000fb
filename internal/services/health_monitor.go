package services

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// HealthStatus represents the health of a dependency
type HealthStatus struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	ResponseTime int64     `json:"response_time_ms"`
}

// HealthMonitor probes registered dependencies on demand.
type HealthMonitor struct {
	checks  map[string]CheckFunc
	timeout time.Duration
	mu      sync.RWMutex
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthMonitor{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
}

// Register adds or replaces a named check.
func (m *HealthMonitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every check concurrently and returns their statuses sorted by
// name, plus whether all of them passed.
func (m *HealthMonitor) Check(ctx context.Context) ([]HealthStatus, bool) {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = make([]HealthStatus, 0, len(checks))
	)
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			err := fn(checkCtx)
			status := HealthStatus{
				Name:         name,
				Healthy:      err == nil,
				LastCheck:    time.Now(),
				ResponseTime: time.Since(start).Milliseconds(),
			}
			if err != nil {
				status.LastError = err.Error()
			}

			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return statuses, healthy
}
