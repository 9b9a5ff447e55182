package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and the cooldown has not
// elapsed. Callers should not retry on it; the breaker already knows the
// upstream is unhealthy.
var ErrOpen = errors.New("circuit open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker shields an upstream from request storms: after
// FailureThreshold consecutive failures it opens and fails fast, then after
// the cooldown it lets probe requests through in half-open state until
// SuccessThreshold consecutive successes close it again.
type CircuitBreaker struct {
	mu             sync.Mutex
	state          State
	failures       int
	probeSuccesses int
	openedAt       time.Time
	cfg            Config
}

// Config holds circuit breaker parameters. Zero values take defaults
// (5 failures to open, 2 probe successes to close, 30s cooldown).
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	Component        string
	OnStateChange    func(from, to State)
}

// New creates a CircuitBreaker in the closed state.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{state: StateClosed, cfg: cfg}
}

// Call runs fn if the circuit allows it. Open circuits return ErrOpen until
// the cooldown elapses, then transition to half-open and probe with fn.
// fn's outcome drives the state machine.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if time.Since(cb.openedAt) < cb.cfg.Cooldown {
		return ErrOpen
	}
	cb.transition(StateHalfOpen)
	cb.probeSuccesses = 0
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = time.Now()
			cb.failures = 0
			cb.transition(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		// Callback fires under the lock; keep it cheap (metrics only).
		cb.cfg.OnStateChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Component returns the configured component label.
func (cb *CircuitBreaker) Component() string {
	return cb.cfg.Component
}
