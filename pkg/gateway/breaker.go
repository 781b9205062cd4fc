package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// providerBreaker wraps a single provider's calls in a circuit breaker and
// a bounded, exponential-backoff retry: idempotent provider calls are
// retried at most twice before surfacing ProviderError.
type providerBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// newProviderBreaker builds a breaker named after the provider it guards,
// tripping once 5 consecutive calls fail and probing again after 30s.
func newProviderBreaker(name string, log breakerLogger) *providerBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			if log != nil {
				log.CircuitStateChanged(bname, from.String(), to.String())
			}
		},
	}
	return &providerBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// breakerLogger lets the Gateway observe state transitions without this
// package importing log/slog directly (kept decoupled for testing).
type breakerLogger interface {
	CircuitStateChanged(name, from, to string)
}

// callIdempotent runs fn through the breaker with up to two retries on
// transient upstream failures, exponential backoff starting at 100ms.
// Non-idempotent operations must call callOnce instead.
func (b *providerBreaker) callIdempotent(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	const maxAttempts = 3 // one initial attempt + two retries
	backoff := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := b.cb.Execute(func() (interface{}, error) { return fn(ctx) })
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, rterrors.Wrap(rterrors.CategoryUpstream, rterrors.CodeProviderError, lastErr, "provider call failed after retries")
}

// callOnce runs fn through the breaker without retrying, for
// non-idempotent provider operations (e.g. a vector upsert that is not
// safe to replay blindly).
func (b *providerBreaker) callOnce(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(func() (interface{}, error) { return fn(ctx) })
	if err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryUpstream, rterrors.CodeProviderError, err, "provider call failed")
	}
	return result, nil
}
