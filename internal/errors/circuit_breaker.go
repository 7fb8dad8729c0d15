package errors

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the position of a circuit breaker.
type CircuitState int

const (
	// Closed lets every call through.
	Closed CircuitState = iota
	// Open rejects calls until the timeout passes.
	Open
	// HalfOpen lets a bounded number of probe calls through.
	HalfOpen
)

var circuitStateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half-open"}

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *CircuitState) UnmarshalText(b []byte) error {
	for i, name := range circuitStateNames {
		if name == string(b) {
			*s = CircuitState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown circuit state %q", b)
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // probe successes that close it again
	Timeout          time.Duration // how long it stays open before probing
	MaxConcurrent    int           // probes in flight while half-open
}

// DefaultCircuitBreakerConfig suits worker launches: five launches in a
// row failing usually means the browser binary or the host is broken.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          15 * time.Second,
		MaxConcurrent:    1,
	}
}

// CircuitBreaker stops the pool from spawning browser workers after
// repeated launch failures, then lets single probes through until one
// succeeds.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig

	state       CircuitState
	failures    int
	successes   int
	probes      int
	trips       int
	openedAt    time.Time
	lastFailure time.Time

	onChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	return &CircuitBreaker{config: config}
}

// NewDefaultCircuitBreaker creates a circuit breaker with default configuration.
func NewDefaultCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreaker(DefaultCircuitBreakerConfig())
}

// OnStateChange registers fn to run on every transition. fn runs with the
// breaker locked and must not call back into it.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.openedAt) < cb.config.Timeout {
			return false
		}
		cb.transition(HalfOpen)
		fallthrough
	case HalfOpen:
		if cb.probes >= cb.config.MaxConcurrent {
			return false
		}
		cb.probes++
	}
	return true
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failures = 0
	case HalfOpen:
		cb.releaseProbe()
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(Closed)
		}
	}
}

// RecordFailure records a failed call. Any failed probe reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()
	switch cb.state {
	case Closed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case HalfOpen:
		cb.releaseProbe()
		cb.trip()
	}
}

func (cb *CircuitBreaker) releaseProbe() {
	if cb.probes > 0 {
		cb.probes--
	}
}

func (cb *CircuitBreaker) trip() {
	cb.transition(Open)
	cb.openedAt = cb.lastFailure
	cb.trips++
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.successes = 0
	cb.probes = 0
	if to != HalfOpen {
		cb.failures = 0
	}
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(Closed)
	cb.failures = 0
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	State       CircuitState `json:"state"`
	Failures    int          `json:"consecutive_failures"`
	Probes      int          `json:"probes_in_flight"`
	Trips       int          `json:"trips"`
	LastFailure time.Time    `json:"last_failure"`
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:       cb.state,
		Failures:    cb.failures,
		Probes:      cb.probes,
		Trips:       cb.trips,
		LastFailure: cb.lastFailure,
	}
}

// Execute runs fn if the circuit allows it. A rejected call returns a
// Backend SessionError wrapping CircuitOpenError.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if !cb.Allow() {
		return New(Backend, operation, "browser launches are failing, try again later",
			&CircuitOpenError{State: cb.State()})
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// CircuitOpenError is the cause of a call rejected by an open circuit.
type CircuitOpenError struct {
	State CircuitState
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return "circuit breaker is " + e.State.String()
}
