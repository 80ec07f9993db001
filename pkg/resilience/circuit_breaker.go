package resilience

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/syntor/agentcore/pkg/models"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"` // half-open successes before closing
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`                     // open period before probing
	HalfOpenMaxCalls int           `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// DefaultCircuitBreakerConfig returns the defaults used by agent shells
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// BreakerStats is a point-in-time view of a breaker
type BreakerStats struct {
	Name       string              `json:"name"`
	State      models.CircuitState `json:"state"`
	Failures   int                 `json:"failures"`
	Successes  int                 `json:"successes"`
	LastChange time.Time           `json:"last_change"`
}

type stateChange struct {
	from, to models.CircuitState
}

// CircuitBreaker stops calling an operation after repeated failures and
// probes it again once the open period has passed
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         models.CircuitState
	failures      int
	successes     int
	halfOpenCalls int
	lastChange    time.Time
	listeners     []func(from, to models.CircuitState)
}

// BreakerOption configures a CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides time.Now
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  models.CircuitClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastChange = cb.now()
	return cb
}

// OnStateChange registers a listener. Listeners run after the breaker's
// lock is released, on the goroutine that caused the change.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to models.CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err)
	return err
}

// Allow reserves a call. Every nil return must be followed by Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	change := cb.advance()
	var err error
	switch cb.state {
	case models.CircuitOpen:
		err = ErrCircuitOpen
	case models.CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			err = ErrTooManyRequests
		} else {
			cb.halfOpenCalls++
		}
	}
	cb.mu.Unlock()

	cb.notify(change)
	return err
}

// Record reports the outcome of a call admitted by Allow
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	var change *stateChange
	if err != nil {
		cb.failures++
		switch cb.state {
		case models.CircuitClosed:
			if cb.failures >= cb.config.FailureThreshold {
				change = cb.transitionTo(models.CircuitOpen)
			}
		case models.CircuitHalfOpen:
			change = cb.transitionTo(models.CircuitOpen)
		}
	} else {
		switch cb.state {
		case models.CircuitClosed:
			cb.failures = 0
		case models.CircuitHalfOpen:
			cb.successes++
			if cb.halfOpenCalls > 0 {
				cb.halfOpenCalls--
			}
			if cb.successes >= cb.config.SuccessThreshold {
				change = cb.transitionTo(models.CircuitClosed)
			}
		}
	}
	cb.mu.Unlock()

	cb.notify(change)
}

// Release gives back a call admitted by Allow without recording an
// outcome, for calls abandoned by their caller
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == models.CircuitHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// State returns the current state, moving an expired open breaker to
// half-open
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.Lock()
	change := cb.advance()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(change)
	return state
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var change *stateChange
	if cb.state != models.CircuitClosed {
		change = cb.transitionTo(models.CircuitClosed)
	}
	cb.failures = 0
	cb.mu.Unlock()

	cb.notify(change)
}

// Stats returns the breaker's counters
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:       cb.name,
		State:      cb.state,
		Failures:   cb.failures,
		Successes:  cb.successes,
		LastChange: cb.lastChange,
	}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// advance moves open to half-open once the timeout has passed. Callers
// hold mu.
func (cb *CircuitBreaker) advance() *stateChange {
	if cb.state == models.CircuitOpen && cb.now().Sub(cb.lastChange) >= cb.config.Timeout {
		return cb.transitionTo(models.CircuitHalfOpen)
	}
	return nil
}

// transitionTo callers hold mu
func (cb *CircuitBreaker) transitionTo(next models.CircuitState) *stateChange {
	prev := cb.state
	cb.state = next
	cb.lastChange = cb.now()
	cb.successes = 0
	cb.halfOpenCalls = 0
	if next == models.CircuitClosed {
		cb.failures = 0
	}
	return &stateChange{from: prev, to: next}
}

func (cb *CircuitBreaker) notify(change *stateChange) {
	if change == nil {
		return
	}
	cb.mu.Lock()
	listeners := slices.Clone(cb.listeners)
	cb.mu.Unlock()
	for _, fn := range listeners {
		fn(change.from, change.to)
	}
}
