// Package circuit provides a circuit breaker for relay services.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/shieldpool/relay/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures     int           // Consecutive failures before opening
	SuccessRequired int           // Successful probes required to close from half-open
	OpenTimeout     time.Duration // How long to stay open before probing
	FailureWindow   time.Duration // Failures older than this are forgotten in closed state
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		OpenTimeout:     30 * time.Second,
		FailureWindow:   60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern. A run of MaxFailures
// failures within FailureWindow opens the circuit; after OpenTimeout the
// breaker admits probe requests and closes again once SuccessRequired
// probes succeed in a row.
type Breaker struct {
	config *Config
	mu     sync.Mutex

	state        State
	failures     int
	probeSuccess int
	firstFailure time.Time
	openedAt     time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config: config,
		state:  StateClosed,
	}
}

// Execute runs a function with circuit breaker protection
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allow() {
		return errors.New(errors.ErrorTypeInternal, "circuit_breaker",
			"circuit breaker is open").
			WithContext("state", cb.GetState().String())
	}

	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns its result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allow() {
		return zero, errors.New(errors.ErrorTypeInternal, "circuit_breaker",
			"circuit breaker is open").
			WithContext("state", cb.GetState().String())
	}

	result, err := fn()
	cb.record(err)
	return result, err
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		// Forget stale failures so a slow trickle never opens the circuit
		if cb.failures > 0 && now.Sub(cb.firstFailure) > cb.config.FailureWindow {
			cb.failures = 0
		}
		return true

	case StateOpen:
		if now.Sub(cb.openedAt) > cb.config.OpenTimeout {
			cb.state = StateHalfOpen
			cb.probeSuccess = 0
			return true
		}
		return false

	case StateHalfOpen:
		return true

	default:
		return false
	}
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if err != nil {
		switch cb.state {
		case StateClosed:
			if cb.failures == 0 {
				cb.firstFailure = now
			}
			cb.failures++
			if cb.failures >= cb.config.MaxFailures {
				cb.state = StateOpen
				cb.openedAt = now
			}
		case StateHalfOpen:
			// A failed probe reopens immediately
			cb.state = StateOpen
			cb.openedAt = now
			cb.probeSuccess = 0
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.probeSuccess++
		if cb.probeSuccess >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.probeSuccess = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	State    State
	Failures int
	OpenedAt time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:    cb.state,
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probeSuccess = 0
}
