package errors

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tutor/internal/logging"
)

// ErrCircuitOpen is wrapped by the error returned while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState is the position of a CircuitBreaker.
type CircuitState int

const (
	// StateClosed lets every call through.
	StateClosed CircuitState = iota
	// StateOpen rejects calls until the cool-down has passed.
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker. Zero fields take the defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of failures that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold" yaml:"failure_threshold"`
	// SuccessThreshold is the run of half-open successes that closes it.
	SuccessThreshold int `mapstructure:"success_threshold" json:"success_threshold" yaml:"success_threshold"`
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// DefaultCircuitBreakerConfig suits a model host on the same machine: a few
// failures in a row mean it crashed or is reloading the model.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of a CircuitBreaker.
type BreakerSnapshot struct {
	Name        string       `json:"name"`
	State       CircuitState `json:"-"`
	StateName   string       `json:"state"`
	Failures    int          `json:"consecutive_failures"`
	LastFailure time.Time    `json:"last_failure,omitempty"`
	Since       time.Time    `json:"since"`
}

// CircuitBreaker stops calling a model host that keeps failing so queries
// fall back quickly instead of queueing behind timeouts. Callers ask Allow
// before a request and report its outcome with Mark.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	since       time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger logging.Logger) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logging.OrNop(logger),
		now:    time.Now,
		since:  time.Now(),
	}
}

// Allow reports whether a call may proceed. An open circuit whose timeout
// has passed moves to half-open and lets the call through as a probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	wait := cb.config.Timeout - cb.now().Sub(cb.lastFailure)
	if wait <= 0 {
		cb.transition(StateHalfOpen)
		return nil
	}
	return NewDegradedError(ErrCircuitOpen,
		fmt.Sprintf("%s is unavailable after repeated failures; retrying in %v", cb.name, wait.Round(time.Second)))
}

// Mark records the outcome of an allowed call; nil is a success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			}
		}
		return
	}

	cb.lastFailure = cb.now()
	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.since = cb.now()
	switch to {
	case StateOpen:
		cb.logger.Warn("[%s] circuit %s -> open after %d failures", cb.name, from, cb.failures)
	case StateClosed:
		cb.failures = 0
		cb.logger.Info("[%s] circuit %s -> closed", cb.name, from)
	default:
		cb.logger.Info("[%s] circuit %s -> %s", cb.name, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker's current counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:        cb.name,
		State:       cb.state,
		StateName:   cb.state.String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Since:       cb.since,
	}
}
