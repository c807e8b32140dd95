package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jfoltran/pgsync/internal/retry"
)

func TestClassifySQLStateCodes(t *testing.T) {
	tests := []struct {
		name string
		code string
		want Class
	}{
		{"serialization failure", "40001", ClassTransient},
		{"deadlock", "40P01", ClassTransient},
		{"too many connections", "53300", ClassTransient},
		{"statement timeout", "57014", ClassTransient},
		{"lock not available", "55P03", ClassTransient},
		{"connection failure", "08006", ClassTransient},
		{"unique violation", "23505", ClassPermanent},
		{"foreign key violation", "23503", ClassPermanent},
		{"not null violation", "23502", ClassPermanent},
		{"undefined column", "42703", ClassPermanent},
		{"invalid password", "28P01", ClassPermanent},
		{"invalid text representation", "22P02", ClassPermanent},
		{"unknown code", "XX000", ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &pgconn.PgError{Code: tt.code, Message: tt.name}
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify(%s) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassifyWrappedPgError(t *testing.T) {
	inner := &pgconn.PgError{Code: "40001"}
	err := fmt.Errorf("apply batch: %w", inner)
	if got := Classify(err); got != ClassTransient {
		t.Errorf("Classify(wrapped 40001) = %s, want transient", got)
	}
}

func TestClassifyMessageFragments(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"connection refused", errors.New("dial tcp: connection refused"), ClassTransient},
		{"serialize access", errors.New("could not serialize access due to concurrent update"), ClassTransient},
		{"duplicate key", errors.New(`duplicate key value violates unique constraint "users_pkey"`), ClassPermanent},
		{"permission denied", errors.New("permission denied for table users"), ClassPermanent},
		{"unrecognized", errors.New("something entirely novel"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyBatchTimeout(t *testing.T) {
	ctx := context.Background()
	_, err := retry.WithTimeout(ctx, time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	wrapped := fmt.Errorf("fetch batch for users: %w", err)
	if got := Classify(wrapped); got != ClassTransient {
		t.Errorf("Classify(batch timeout) = %s, want transient", got)
	}
	if !IsRetryable(wrapped) {
		t.Error("batch timeout should be retryable")
	}
	// Expiry of the job context itself stays non-retryable.
	jobExpiry := fmt.Errorf("fetch batch: %w", context.DeadlineExceeded)
	if got := Classify(jobExpiry); got == ClassTransient {
		t.Error("job deadline expiry must not classify transient")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pgconn.PgError{Code: "40P01"}) {
		t.Error("deadlock should be retryable")
	}
	if IsRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation should not be retryable")
	}
}
