// Package circuitbreaker implements the circuit breaker pattern on top of gobreaker.
//
// A circuit breaker stops delivery attempts to a failing subscriber for a
// cooldown period once consecutive failures reach a threshold.
//
// States:
//   - Closed: Normal operation, attempts allowed
//   - Open: Too many failures, attempts rejected with ErrOpen
//   - HalfOpen: Cooldown elapsed, one trial attempt allowed
package circuitbreaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Do while the breaker rejects attempts.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Consecutive failures before the circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)
}

// Breaker guards calls to a single resource.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a new circuit breaker. State changes are logged at warn level.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := uint32(cfg.Threshold)

	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
}

// Do runs fn unless the circuit is open. A non-nil error from fn counts as a failure.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	return int(b.cb.Counts().ConsecutiveFailures)
}
