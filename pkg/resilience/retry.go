package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded wraps the last error once every attempt has failed
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Backoff computes exponential delays of Base^attempt seconds, capped at Max
type Backoff struct {
	Base float64       `json:"base" yaml:"base"`
	Max  time.Duration `json:"max" yaml:"max"`
}

// DefaultBackoff returns the coordinator's retry backoff
func DefaultBackoff() Backoff {
	return Backoff{Base: 2, Max: 5 * time.Minute}
}

// Delay returns the wait before retry number attempt. Attempt 0 waits one
// second.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base < 1 {
		base = 2
	}
	seconds := math.Pow(base, float64(attempt))
	if b.Max > 0 && (math.IsInf(seconds, 1) || seconds >= b.Max.Seconds()) {
		return b.Max
	}
	return time.Duration(seconds * float64(time.Second))
}

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
	Jitter       float64       `json:"jitter" yaml:"jitter"` // 0-1, fraction of the delay to randomize

	// ShouldRetry decides whether an error is worth another attempt.
	// Nil retries everything except permanent errors.
	ShouldRetry func(error) bool `json:"-" yaml:"-"`
}

// DefaultRetryConfig returns defaults suited to sink writes
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retryer runs an operation until it succeeds, the attempts run out or
// the context ends
type Retryer struct {
	config RetryConfig
	sleep  func(context.Context, time.Duration) error
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(config RetryConfig) *Retryer {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = defaults.Multiplier
	}
	return &Retryer{config: config, sleep: sleepContext}
}

// Do runs fn, calling onRetry (when non-nil) before each new attempt
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.retryable(lastErr) {
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		if err := r.sleep(ctx, r.delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, r.config.MaxAttempts, lastErr)
}

func (r *Retryer) retryable(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if r.config.ShouldRetry != nil {
		return r.config.ShouldRetry(err)
	}
	return true
}

// delay is InitialDelay·Multiplier^(attempt-1) with jitter, capped at MaxDelay
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if r.config.Jitter > 0 {
		d += d * r.config.Jitter * (rand.Float64()*2 - 1)
	}
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
