// Package resilience guards outbound connection attempts.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops hammering an agent service that keeps refusing connections.
// [Backoff] retries an attempt with exponentially growing pauses.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open
// and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. A probe
	// failure re-opens the breaker; enough successes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// Logger receives state transitions. Default: slog.Default().
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewBreaker creates a closed [Breaker]. Zero-value config fields are replaced
// with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger.With("breaker", cfg.Name),
	}
}

// Execute runs fn if the breaker allows it. Errors caused by ctx being
// cancelled are returned but not counted as failures.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
		b.log.Info("resilience: breaker half-open")
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.recordSuccess(probe)
	case ctx.Err() != nil:
		if probe {
			// Give the probe slot back.
			b.halfOpenCalls--
		}
	default:
		b.recordFailure(probe)
	}
	return err
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probe bool) {
	b.lastFailure = time.Now()
	if probe {
		b.state = StateOpen
		b.consecutiveFail = b.maxFailures
		b.log.Warn("resilience: breaker re-opened by failed probe")
		return
	}
	b.consecutiveFail++
	if b.state == StateClosed && b.consecutiveFail >= b.maxFailures {
		b.state = StateOpen
		b.log.Warn("resilience: breaker opened", "consecutive_failures", b.consecutiveFail)
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probe bool) {
	if !probe {
		b.consecutiveFail = 0
		return
	}
	b.halfOpenOK++
	if b.halfOpenOK >= b.halfOpenMax {
		b.state = StateClosed
		b.consecutiveFail = 0
		b.halfOpenCalls = 0
		b.halfOpenOK = 0
		b.log.Info("resilience: breaker closed")
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [Breaker.Execute].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Check returns [ErrCircuitOpen] while the breaker rejects calls. It has the
// shape of a readiness check.
func (b *Breaker) Check(context.Context) error {
	if b.State() == StateOpen {
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}
	return nil
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
	b.log.Info("resilience: breaker reset")
}
