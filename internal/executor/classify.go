package executor

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jfoltran/pgsync/internal/retry"
)

// Class sorts failures into the three handling paths: transient errors are
// retried, permanent errors skip the offending row, anything else escaping
// the batch loop is fatal to the job.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "fatal"
	}
}

var permanentFragments = []string{
	"unique constraint",
	"duplicate key",
	"foreign key constraint",
	"check constraint",
	"not-null constraint",
	"null value in column",
	"permission denied",
	"syntax error",
	"does not exist",
	"authentication failed",
	"invalid input syntax",
}

// Classify prefers SQLSTATE codes when the error came from PostgreSQL and
// falls back to message fragments. Unrecognized errors are permanent: the
// row is skipped rather than retried forever.
func Classify(err error) Class {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyCode(pgErr.Code)
	}
	if retry.IsTransient(err) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range permanentFragments {
		if strings.Contains(msg, frag) {
			return ClassPermanent
		}
	}
	return ClassPermanent
}

func classifyCode(code string) Class {
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"57014", // query_canceled (statement timeout)
		"55P03": // lock_not_available
		return ClassTransient
	}
	switch {
	case strings.HasPrefix(code, "08"): // connection exceptions
		return ClassTransient
	case strings.HasPrefix(code, "23"): // integrity constraint violations
		return ClassPermanent
	case strings.HasPrefix(code, "42"): // syntax errors, access rule violations
		return ClassPermanent
	case strings.HasPrefix(code, "28"): // invalid authorization
		return ClassPermanent
	case strings.HasPrefix(code, "22"): // data exceptions
		return ClassPermanent
	}
	return ClassPermanent
}

// IsRetryable adapts Classify for the retry primitives.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
