package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
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

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker protects calls to an unreliable upstream: after maxFailures
// consecutive failures it opens for timeout, then lets a probe through
// half-open before closing again.
type Breaker struct {
	name        string
	maxFailures int
	timeout     time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	onStateChange func(from, to State)
}

// Config holds breaker settings.
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	OnStateChange func(from, to State)
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		timeout:       cfg.Timeout,
		state:         StateClosed,
		onStateChange: cfg.OnStateChange,
	}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allowRequest(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allowRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) > b.timeout {
			b.transitionTo(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

// transitionTo changes state; caller holds b.mu.
func (b *Breaker) transitionTo(next State) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.failures = 0
	if b.onStateChange != nil {
		b.onStateChange(prev, next)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transitionTo(StateClosed)
}
