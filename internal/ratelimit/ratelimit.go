// Package ratelimit throttles write pressure on the target database with a
// pair of token buckets (operations and bytes) whose capacity adapts to the
// target's observed response time.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	throttleFloor = 0.25
	throttleStep  = 0.10
	// Window of recent response times feeding the adaptive controller.
	responseWindow = 10
)

// bucket is a lazily refilled token bucket.
type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}
}

// waitFor returns how long until n tokens are available, zero if they
// already are.
func (b *bucket) waitFor(n float64, now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= n {
		return 0
	}
	deficit := n - b.tokens
	if b.refillRate <= 0 {
		return 0
	}
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

func (b *bucket) take(n float64, now time.Time) {
	b.refill(now)
	b.tokens -= n
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// Config sizes the limiter.
type Config struct {
	MaxOpsPerSecond   float64
	MaxBytesPerSecond float64
	BurstMultiplier   float64
	SlowResponse      time.Duration
	FastResponse      time.Duration
}

// Limiter is a thread-safe dual token bucket with adaptive throttling.
type Limiter struct {
	logger zerolog.Logger

	mu       sync.Mutex
	ops      bucket
	bytes    bucket
	cfg      Config
	throttle float64

	responses []time.Duration

	totalWait time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter. Zero config fields get conservative defaults.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.MaxOpsPerSecond <= 0 {
		cfg.MaxOpsPerSecond = 500
	}
	if cfg.MaxBytesPerSecond <= 0 {
		cfg.MaxBytesPerSecond = 8 << 20
	}
	if cfg.BurstMultiplier < 1 {
		cfg.BurstMultiplier = 1.5
	}
	if cfg.SlowResponse <= 0 {
		cfg.SlowResponse = 500 * time.Millisecond
	}
	if cfg.FastResponse <= 0 {
		cfg.FastResponse = 100 * time.Millisecond
	}

	l := &Limiter{
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		cfg:      cfg,
		throttle: 1.0,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	now := l.now()
	l.ops = bucket{
		tokens:     cfg.MaxOpsPerSecond * cfg.BurstMultiplier,
		maxTokens:  cfg.MaxOpsPerSecond * cfg.BurstMultiplier,
		refillRate: cfg.MaxOpsPerSecond,
		lastRefill: now,
	}
	l.bytes = bucket{
		tokens:     cfg.MaxBytesPerSecond * cfg.BurstMultiplier,
		maxTokens:  cfg.MaxBytesPerSecond * cfg.BurstMultiplier,
		refillRate: cfg.MaxBytesPerSecond,
		lastRefill: now,
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire consumes ops operation tokens and byteCount byte tokens, sleeping
// until both buckets can cover the request. Returns the time spent waiting.
func (l *Limiter) Acquire(ctx context.Context, ops int, byteCount int) (time.Duration, error) {
	l.mu.Lock()
	now := l.now()
	wait := l.ops.waitFor(float64(ops), now)
	if bw := l.bytes.waitFor(float64(byteCount), now); bw > wait {
		wait = bw
	}
	if wait > 0 {
		l.totalWait += wait
	}
	l.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return wait, err
		}
	}

	l.mu.Lock()
	now = l.now()
	l.ops.take(float64(ops), now)
	l.bytes.take(float64(byteCount), now)
	l.mu.Unlock()
	return wait, nil
}

// Observe feeds a target response time into the adaptive controller. When
// the moving average crosses the slow threshold the throttle factor shrinks
// by 10% (floor 0.25); below the fast threshold it recovers by 10% toward 1.
func (l *Limiter) Observe(responseTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.responses = append(l.responses, responseTime)
	if len(l.responses) > responseWindow {
		l.responses = l.responses[len(l.responses)-responseWindow:]
	}

	var sum time.Duration
	for _, r := range l.responses {
		sum += r
	}
	avg := sum / time.Duration(len(l.responses))

	old := l.throttle
	switch {
	case avg > l.cfg.SlowResponse:
		l.throttle *= 1 - throttleStep
		if l.throttle < throttleFloor {
			l.throttle = throttleFloor
		}
	case avg < l.cfg.FastResponse && l.throttle < 1.0:
		l.throttle *= 1 + throttleStep
		if l.throttle > 1.0 {
			l.throttle = 1.0
		}
	default:
		return
	}

	if l.throttle != old {
		l.applyThrottleLocked()
		l.logger.Debug().
			Float64("throttle", l.throttle).
			Dur("avg_response", avg).
			Msg("adaptive throttle adjusted")
	}
}

func (l *Limiter) applyThrottleLocked() {
	now := l.now()
	l.ops.refill(now)
	l.bytes.refill(now)

	l.ops.refillRate = l.cfg.MaxOpsPerSecond * l.throttle
	l.ops.maxTokens = l.cfg.MaxOpsPerSecond * l.cfg.BurstMultiplier * l.throttle
	if l.ops.tokens > l.ops.maxTokens {
		l.ops.tokens = l.ops.maxTokens
	}

	l.bytes.refillRate = l.cfg.MaxBytesPerSecond * l.throttle
	l.bytes.maxTokens = l.cfg.MaxBytesPerSecond * l.cfg.BurstMultiplier * l.throttle
	if l.bytes.tokens > l.bytes.maxTokens {
		l.bytes.tokens = l.bytes.maxTokens
	}
}

// Throttle returns the current adaptive factor in [0.25, 1.0].
func (l *Limiter) Throttle() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throttle
}

// TotalWait returns the cumulative time callers spent blocked in Acquire.
func (l *Limiter) TotalWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalWait
}
