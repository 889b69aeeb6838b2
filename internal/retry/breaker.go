package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"mailflow/internal/types"
)

// Breaker trips after repeated retriable failures of one upstream so the rest
// of the batch fails fast instead of waiting on timeouts.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreaker creates a breaker that opens after more than five consecutive
// retriable failures and probes again after 30 seconds. Permanent errors do
// not count against the upstream.
func NewBreaker(name string) *Breaker {
	return &Breaker{
		name: name,
		cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !types.IsRetriable(err)
			},
		}),
	}
}

// State reports the breaker state ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Execute runs fn through b. A nil breaker runs fn directly. An open breaker
// yields a retriable ErrCodeUpstreamUnavailable.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}

	var zero T
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("circuit breaker %s is open", b.name), err)
	}
	if err != nil {
		if out != nil {
			if v, ok := out.(T); ok {
				return v, err
			}
		}
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}
