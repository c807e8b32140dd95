package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"deadlock", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{"serialization", errors.New("ERROR: could not serialize access due to concurrent update"), true},
		{"too many conns", errors.New("FATAL: too many connections for role"), true},
		{"timeout", errors.New("query Timed Out"), true},
		{"unique violation", errors.New("duplicate key value violates unique constraint"), false},
		{"permission", errors.New("permission denied for table users"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	retries := 0
	cfg := Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		OnRetry:      func(int, error, time.Duration) { retries++ },
	}
	got, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if got != 7 || calls != 3 || retries != 2 {
		t.Errorf("got=%d calls=%d retries=%d", got, calls, retries)
	}
}

func TestDo_PermanentNotRetried(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond}
	_, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("permission denied")
	})
	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for permanent error)", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 2, InitialDelay: time.Millisecond}
	_, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	if err == nil {
		t.Fatal("Do() expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialDelay: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, cfg, func(context.Context) (int, error) {
		return 0, errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	c := cfg.withDefaults()
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(c, attempt)
		if d > time.Duration(float64(time.Second)*1.2) {
			t.Errorf("attempt %d: delay %v exceeds max+jitter", attempt, d)
		}
		if d < time.Duration(float64(100*time.Millisecond)*0.8) {
			t.Errorf("attempt %d: delay %v below initial-jitter", attempt, d)
		}
	}
}

func TestWithTimeout(t *testing.T) {
	got, err := WithTimeout(context.Background(), time.Second, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("WithTimeout() = %q, %v", got, err)
	}

	_, err = WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("WithTimeout() error = %v, want ErrTimeout", err)
	}
	if !IsTransient(err) {
		t.Errorf("per-call timeout must be transient, got IsTransient = false for %v", err)
	}
}

func TestWithTimeout_ParentExpiryNotTransient(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := WithTimeout(parent, time.Hour, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithTimeout() error = %v, want parent deadline exceeded", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("parent expiry must not be reported as a per-call timeout")
	}
	if IsTransient(err) {
		t.Errorf("parent expiry must not be transient: %v", err)
	}
}

func TestDo_RetriesCallTimeout(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 2, InitialDelay: time.Millisecond}
	got, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return WithTimeout(ctx, time.Millisecond, func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			})
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if got != 42 || calls != 2 {
		t.Errorf("got=%d calls=%d, want 42 after one timed-out attempt", got, calls)
	}
}

func TestBreaker(t *testing.T) {
	b := NewBreaker(2, 50*time.Millisecond)
	fail := func(context.Context) error { return fmt.Errorf("boom") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	if err := b.Call(ctx, fail); err == nil {
		t.Fatal("expected failure")
	}
	if err := b.Call(ctx, fail); err == nil {
		t.Fatal("expected failure")
	}
	// Threshold reached: breaker open.
	if err := b.Call(ctx, ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() = %v, want ErrCircuitOpen", err)
	}

	time.Sleep(60 * time.Millisecond)
	// Half-open probe succeeds and closes the breaker.
	if err := b.Call(ctx, ok); err != nil {
		t.Errorf("Call() after reset = %v", err)
	}
	if err := b.Call(ctx, ok); err != nil {
		t.Errorf("Call() closed = %v", err)
	}
}
