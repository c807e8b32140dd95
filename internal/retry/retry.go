// Package retry provides the engine's retry, timeout, and circuit-breaker
// primitives for transient database failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// transientFragments are message substrings that mark an error as retryable.
var transientFragments = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"deadlock detected",
	"could not serialize access",
	"serialization failure",
	"too many connections",
	"connection pool exhausted",
	"server closed the connection",
	"i/o error",
}

// ErrTimeout marks a call that exceeded its own WithTimeout deadline. It is
// transient: the call can be retried, unlike expiry of the caller's context.
var ErrTimeout = errors.New("operation timed out")

// IsTransient reports whether the error message matches a known-retryable
// pattern. Per-call timeouts are transient, context cancellation never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Config controls Do's backoff behavior.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable overrides the default transient check.
	Retryable func(error) bool

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries < 1 {
		out.MaxRetries = 3
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = 2 * time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.Multiplier < 1 {
		out.Multiplier = 2
	}
	if out.Retryable == nil {
		out.Retryable = IsTransient
	}
	return out
}

// Do calls fn, retrying retryable failures with exponential backoff and
// ±20% jitter, up to cfg.MaxRetries additional attempts.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	c := cfg.withDefaults()
	var zero T

	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt >= c.MaxRetries || !c.Retryable(err) {
			return zero, err
		}

		delay := backoffDelay(c, attempt)
		if c.OnRetry != nil {
			c.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-time.After(delay):
		}
	}
}

func backoffDelay(c Config, attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.Multiplier
	}
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	// ±20% jitter
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(delay * jitter)
}

// WithTimeout runs fn with a deadline. The function receives a derived
// context and must honor its cancellation. Exceeding the deadline yields an
// error wrapping ErrTimeout; expiry of the parent context keeps the parent's
// error so callers can tell the two apart.
func WithTimeout[T any](parent context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()

	type result struct {
		out T
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(ctx)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		// fn may observe the derived deadline itself and return before the
		// select does; that is still a per-call timeout, not parent expiry.
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && parent.Err() == nil {
			var zero T
			return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, d, r.err)
		}
		return r.out, r.err
	case <-ctx.Done():
		var zero T
		if parent.Err() != nil {
			return zero, fmt.Errorf("operation aborted: %w", parent.Err())
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker is a simple open-on-failure circuit breaker. After threshold
// consecutive failures it rejects calls for resetTimeout, then allows one
// probe (half-open); a success closes it again.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewBreaker creates a Breaker.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Call runs fn through the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.failures >= b.threshold {
		if time.Now().Before(b.openUntil) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		// Half-open: let one probe through.
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.failures >= b.threshold {
			b.openUntil = time.Now().Add(b.resetTimeout)
		}
		return err
	}
	b.failures = 0
	return nil
}
