package llm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when a call is refused because its breaker is
// open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes when a breaker opens and recovers.
type BreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultBreakerConfig opens after five consecutive failures and probes
// again after thirty seconds.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	OpenTimeout:      30 * time.Second,
}

// CircuitBreaker keeps one breaker per key, typically a model name.
type CircuitBreaker struct {
	cfg      BreakerConfig
	now      func() time.Time
	logger   logrus.FieldLogger
	breakers map[string]*breaker
	mu       sync.RWMutex
}

type breaker struct {
	failures    uint32
	successes   uint32
	lastFailure time.Time
	state       BreakerState
	mu          sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg BreakerConfig, logger logrus.FieldLogger) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig.OpenTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.WithField("component", "circuit_breaker"),
		breakers: make(map[string]*breaker),
	}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(key string, fn func() error) error {
	b := cb.getOrCreate(key)

	if cb.state(b) == StateOpen {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, key)
	}

	err := fn()
	if err != nil {
		cb.recordFailure(key, b)
	} else {
		cb.recordSuccess(key, b)
	}
	return err
}

func (cb *CircuitBreaker) getOrCreate(key string) *breaker {
	cb.mu.RLock()
	b, ok := cb.breakers[key]
	cb.mu.RUnlock()
	if ok {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := cb.breakers[key]; ok {
		return b
	}
	b = &breaker{state: StateClosed}
	cb.breakers[key] = b
	return b
}

// state returns the breaker state, moving Open to HalfOpen once the open
// timeout has elapsed.
func (cb *CircuitBreaker) state(b *breaker) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && cb.now().Sub(b.lastFailure) > cb.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.failures = 0
		b.successes = 0
	}
	return b.state
}

func (cb *CircuitBreaker) recordFailure(key string, b *breaker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = cb.now()

	switch b.state {
	case StateClosed:
		if b.failures >= cb.cfg.FailureThreshold {
			b.state = StateOpen
			cb.logger.WithFields(logrus.Fields{
				"key":      key,
				"failures": b.failures,
			}).Warn("Opening circuit breaker")
		}
	case StateHalfOpen:
		b.state = StateOpen
		cb.logger.WithField("key", key).Warn("Re-opening circuit breaker after failure in half-open state")
	}
}

func (cb *CircuitBreaker) recordSuccess(key string, b *breaker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.successes >= cb.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			cb.logger.WithField("key", key).Info("Closing circuit breaker")
		}
	}
}

// GetState returns the state of a specific breaker
func (cb *CircuitBreaker) GetState(key string) BreakerState {
	cb.mu.RLock()
	b, ok := cb.breakers[key]
	cb.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return cb.state(b)
}

// Reset resets a specific breaker
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if b, ok := cb.breakers[key]; ok {
		b.mu.Lock()
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
		b.mu.Unlock()
	}
}
