package upstream

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// CircuitBreaker stops sending batches to an upstream after consecutive
// failures, so queued callers fail fast instead of waiting on timeouts
type CircuitBreaker struct {
	cfg           CircuitBreakerConfig
	state         breakerState
	failures      int
	probes        int
	lastFailureAt time.Time
	now           func() time.Time
	mu            sync.Mutex
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 2
	}
	return &CircuitBreaker{
		cfg: cfg,
		now: time.Now,
	}
}

// State returns the breaker state name
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// AllowRequest returns true if a batch may be sent
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.cfg.Enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerHalfOpen:
		return cb.probes < cb.cfg.HalfOpenMaxRequests
	case breakerOpen:
		if cb.now().Sub(cb.lastFailureAt) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.state = breakerHalfOpen
		cb.probes = 0
		return true
	default:
		return true
	}
}

// RecordSuccess records a delivered batch
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerHalfOpen {
		cb.probes++
		if cb.probes < cb.cfg.HalfOpenMaxRequests {
			return
		}
		cb.state = breakerClosed
	}
	cb.failures = 0
}

// RecordFailure records a batch that could not be delivered
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = cb.now()

	switch cb.state {
	case breakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = breakerOpen
		}
	case breakerHalfOpen:
		cb.state = breakerOpen
		cb.probes = 0
	}
}
