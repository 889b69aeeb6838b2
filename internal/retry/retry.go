// Package retry runs transient external calls under bounded exponential
// backoff and guards upstreams with circuit breakers.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/types"
)

// Policy configures Do. Only retriable failures are retried.
type Policy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// CallTimeout bounds each attempt when positive.
	CallTimeout time.Duration
}

// DefaultPolicy returns the production defaults: 5 retries, 1s base, 5m cap,
// 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   5,
		BaseDelay:    time.Second,
		MaxDelay:     5 * time.Minute,
		JitterFactor: 0.1,
	}
}

// PolicyFromConfig builds a Policy from configuration.
func PolicyFromConfig(cfg config.RetryConfig, callTimeout time.Duration) Policy {
	return Policy{
		MaxRetries:   cfg.MaxRetries,
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		JitterFactor: cfg.JitterFactor,
		CallTimeout:  callTimeout,
	}
}

// Baseline returns the unjittered delay before retry n (0-indexed):
// min(BaseDelay * 2^n, MaxDelay). It saturates instead of overflowing.
func (p Policy) Baseline(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if math.IsInf(d, 0) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Delay returns Baseline(n) randomized by ±JitterFactor. It is never negative.
func (p Policy) Delay(n int) time.Duration {
	base := float64(p.Baseline(n))
	if p.JitterFactor <= 0 {
		return time.Duration(base)
	}
	jitter := (rand.Float64()*2 - 1) * p.JitterFactor
	d := base * (1 + jitter)
	if d < 0 {
		return 0
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done. Tests replace it.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs op until it succeeds, returns a permanent error, or MaxRetries
// retries have been spent. Exhaustion is reported as a retriable
// ErrCodeRetryExhausted wrapping the last error, so callers can still requeue.
func Do[T any](ctx context.Context, policy Policy, label string, logger types.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = types.NopLogger{}
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := attemptOnce(ctx, policy.CallTimeout, op)
		if err == nil {
			if attempt > 0 {
				logger.Info("Operation succeeded after retry", "operation", label, "attempts", attempt+1)
			}
			return result, nil
		}
		lastErr = err

		if !types.IsRetriable(err) {
			return zero, err
		}
		if attempt == policy.MaxRetries {
			break
		}

		wait := policy.Delay(attempt)
		logger.Warn("Retriable failure, backing off",
			"operation", label,
			"attempt", attempt+1,
			"max_attempts", policy.MaxRetries+1,
			"delay", wait.String(),
			"error", err,
		)
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return zero, types.NewAppErrorWithDetails(types.ErrCodeRetryExhausted,
				fmt.Sprintf("%s: interrupted after %d attempts", label, attempt+1),
				errors.Join(lastErr, sleepErr),
				map[string]any{"attempts": attempt + 1, "last_code": string(types.CodeOf(lastErr))})
		}
	}

	logger.Error("Retries exhausted", "operation", label, "attempts", policy.MaxRetries+1, "error", lastErr)
	return zero, types.NewAppErrorWithDetails(types.ErrCodeRetryExhausted,
		fmt.Sprintf("%s: retries exhausted after %d attempts", label, policy.MaxRetries+1),
		lastErr,
		map[string]any{"attempts": policy.MaxRetries + 1, "last_code": string(types.CodeOf(lastErr))})
}

func attemptOnce[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(callCtx)
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, policy Policy, label string, logger types.Logger, op func(ctx context.Context) error) error {
	_, err := Do(ctx, policy, label, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
