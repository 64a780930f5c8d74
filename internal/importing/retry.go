package importing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/erpimport/internal/logging"
)

// SQLSTATE codes that are safe to retry.
const (
	SQLStateDeadlock             = "40P01"
	SQLStateSerializationFailure = "40001"
)

// RetryPolicy controls RetryOnDeadlock.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	BaseDelay   time.Duration // sleep is BaseDelay * attempt (default: 50ms)
}

// DefaultRetryPolicy is three attempts with 50ms linear backoff.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// IsRetryable reports whether err is a deadlock or serialization failure.
func IsRetryable(err error) bool {
	return retryableState(err) != ""
}

func retryableState(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case SQLStateDeadlock, SQLStateSerializationFailure:
		return pgErr.Code
	}
	return ""
}

// RetryOnDeadlock runs fn, retrying only on deadlock or serialization
// failures with linearly increasing backoff. Any other error is returned
// immediately.
func RetryOnDeadlock[R any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (R, error)) (R, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}

	var zero R
	for attempt := 1; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}

		state := retryableState(err)
		if state == "" || attempt >= policy.MaxAttempts {
			return zero, err
		}

		getMetrics().retries.WithLabelValues(state).Inc()
		logging.FromContext(ctx).Warn("retrying after transient conflict",
			"sqlstate", state,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
		)

		timer := time.NewTimer(policy.BaseDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
