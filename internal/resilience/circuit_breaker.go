// Package resilience provides the fault-tolerance primitives the package
// module engine and routing actuator use around subprocess invocations:
// exponential-backoff retry and a per-module circuit breaker.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/r3e-cfagent/cfagentd/internal/logging"
	"github.com/r3e-cfagent/cfagentd/internal/metrics"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults for a package-module wrapper.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker trips after MaxFailures consecutive wrapper failures and
// stops invoking the wrapper for Timeout, so a broken module does not get
// re-spawned for every remaining promise in the run.
type CircuitBreaker struct {
	mu           sync.RWMutex
	config       Config
	state        State
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

// New creates a new CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{config: cfg, state: StateClosed}
}

// WithLogger returns a Config that logs state transitions, chaining onto
// any OnStateChange hook already set (e.g. by WithMetrics).
func WithLogger(cfg Config, logger *logging.Logger) Config {
	prev := cfg.OnStateChange
	cfg.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if logger == nil {
			return
		}
		logger.Inform(context.Background(), "circuit breaker state change", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
	}
	return cfg
}

// WithMetrics returns a Config that counts state transitions under module's
// label, chaining onto any OnStateChange hook already set. met may be nil
// (tests, or metrics disabled), in which case the hook is a no-op.
func WithMetrics(cfg Config, met *metrics.Metrics, module string) Config {
	prev := cfg.OnStateChange
	cfg.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if met == nil {
			return
		}
		met.CircuitBreakerStateChanges.WithLabelValues(module, from.String(), to.String()).Inc()
	}
	return cfg
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Execute runs fn with circuit breaker protection: admit checks the gate
// before fn runs, record folds the outcome back into the state machine.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err == nil)
	return err
}

// admit decides whether a request may proceed, advancing Open -> HalfOpen
// once Timeout has elapsed since the last failure.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) <= cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenReqs = 1
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.config.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

// record folds one request's outcome into the gate: a run of HalfOpenMax
// consecutive successes in HalfOpen closes the breaker, any HalfOpen
// failure reopens it, and MaxFailures consecutive Closed failures opens it.
func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.HalfOpenMax {
				cb.setState(StateClosed)
			}
		case StateClosed:
			cb.failures = 0
		}
		return
	}

	cb.lastFailure = time.Now()
	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(old, newState)
	}
}
