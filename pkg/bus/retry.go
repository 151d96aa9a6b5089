package bus

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy controls the backoff applied to transient bus failures.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetryPolicy matches the daemon's bus tuning: 3 attempts, 0.5s base.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond}

// Retry runs fn, retrying transient failures with exponential backoff and
// ±10% jitter. Context cancellation aborts immediately; the last error is
// returned after the final attempt.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := policy.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == attempts {
			return lastErr
		}

		delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
		delay = time.Duration(float64(delay) * (0.9 + rand.Float64()*0.2))
		slog.Debug("bus op failed, retrying",
			"error", lastErr, "attempt", attempt, "max", attempts, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// IsTransient reports whether an error is worth retrying. Auth failures and
// malformed commands are permanent; cancellation is not retried either.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToUpper(err.Error())
	for _, permanent := range []string{"NOAUTH", "WRONGPASS", "ERR UNKNOWN COMMAND", "INVALID ARGUMENT"} {
		if strings.Contains(msg, permanent) {
			return false
		}
	}
	return true
}
