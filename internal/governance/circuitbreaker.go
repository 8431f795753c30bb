package governance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures opens the circuit after this many consecutive failures. Zero disables it.
	MaxFailures int
	// FailureRateThreshold opens the circuit when the failure percentage (0-100)
	// within Window reaches it. Zero disables rate-based evaluation.
	FailureRateThreshold float64
	// MinSamples guards rate-based evaluation until enough calls were observed.
	MinSamples int
	// Window is the period after which closed-state counts are cleared.
	Window time.Duration
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of successful probes needed to close again.
	HalfOpenProbes int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:          5,
		FailureRateThreshold: 50,
		MinSamples:           10,
		Window:               30 * time.Second,
		OpenTimeout:          30 * time.Second,
		HalfOpenProbes:       1,
	}
}

// canceledCall marks an error caused by the caller going away. It is recorded
// as a success so that it never trips the circuit.
type canceledCall struct{ err error }

func (c canceledCall) Error() string { return c.err.Error() }
func (c canceledCall) Unwrap() error { return c.err }

// CircuitBreaker rejects calls to a backend that keeps failing.
type CircuitBreaker struct {
	settings gobreaker.Settings
	breaker  atomic.Pointer[gobreaker.CircuitBreaker[struct{}]]
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newNamedBreaker("", config)
}

func newNamedBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = defaults.HalfOpenProbes
	}
	if config.MinSamples < 0 {
		config.MinSamples = 0
	}

	cb := &CircuitBreaker{
		settings: gobreaker.Settings{
			Name:        name,
			MaxRequests: uint32(config.HalfOpenProbes), //nolint:gosec // positive after defaulting
			Interval:    config.Window,
			Timeout:     config.OpenTimeout,
			ReadyToTrip: readyToTrip(config),
			IsSuccessful: func(err error) bool {
				var canceled canceledCall
				return err == nil || errors.As(err, &canceled)
			},
		},
	}
	cb.Reset()
	return cb
}

func readyToTrip(config CircuitBreakerConfig) func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if config.MaxFailures > 0 && int(counts.ConsecutiveFailures) >= config.MaxFailures {
			return true
		}
		if config.FailureRateThreshold <= 0 || counts.Requests == 0 || int(counts.Requests) < config.MinSamples {
			return false
		}
		rate := float64(counts.TotalFailures) * 100 / float64(counts.Requests)
		return rate >= config.FailureRateThreshold
	}
}

// ExecuteContext runs fn unless the circuit is open. The outcome of fn is
// recorded; context cancellation is not counted as a backend failure.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := cb.breaker.Load().Execute(func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, canceledCall{err: err}
		}
		return struct{}{}, err
	})

	var canceled canceledCall
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrCircuitOpen
	case errors.As(err, &canceled):
		return canceled.err
	}
	return err
}

// State returns the current state, promoting an expired open circuit to half-open.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	switch cb.breaker.Load().State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Reset closes the circuit and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.breaker.Store(gobreaker.NewCircuitBreaker[struct{}](cb.settings))
}

// CircuitBreakerManager hands out one breaker per backend key.
type CircuitBreakerManager struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a manager using config for every new breaker.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for key, creating it on first use.
func (m *CircuitBreakerManager) Get(key string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if breaker, ok := m.breakers[key]; ok {
		return breaker
	}
	breaker := newNamedBreaker(key, m.config)
	m.breakers[key] = breaker
	return breaker
}

// States returns the state of every known breaker.
func (m *CircuitBreakerManager) States() map[string]CircuitBreakerState {
	m.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(m.breakers))
	for key, b := range m.breakers {
		breakers[key] = b
	}
	m.mu.Unlock()

	states := make(map[string]CircuitBreakerState, len(breakers))
	for key, b := range breakers {
		states[key] = b.State()
	}
	return states
}
