// Package retry applies a bounded retry policy to store calls at the
// orchestration boundary.
//
// The store clients never retry internally; this policy retries only errors
// classified as transient (connection and timeout failures). Configuration
// errors, missing entities, invalid jobs and rejected writes are surfaced
// immediately: retrying them would mask real failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"

	"github.com/HatiCode/gridcast/pkg/dbc"
)

// Policy is a bounded exponential backoff with jitter, optionally fronted by
// a circuit breaker shared across callers of the same store.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	breaker         *gobreaker.CircuitBreaker
}

// DefaultPolicy matches the pipeline's store call budget: three retries
// starting at half a second, capped at five seconds.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// WithBreaker fronts the policy with a named circuit breaker. After repeated
// failures the breaker opens and calls fail fast without touching the store.
func (p *Policy) WithBreaker(name string) *Policy {
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
	return p
}

// Do runs op, retrying transient failures up to MaxRetries times with
// exponential backoff and jitter. Non-retryable errors and context
// cancellation return immediately. An open circuit breaker also returns
// immediately, wrapped so callers can distinguish it.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if p.MaxRetries < 0 || p.InitialInterval <= 0 {
		return errors.New("invalid retry policy configuration")
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := p.execute(ctx, op)
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("circuit breaker open: %w", err)
		}
		if !dbc.Retryable(err) {
			return err
		}

		lastErr = err
		if attempt >= p.MaxRetries {
			return lastErr
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Policy) execute(ctx context.Context, op func(ctx context.Context) error) error {
	if p.breaker == nil {
		return op(ctx)
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	return err
}

// backoff returns the delay before the next attempt: exponential growth
// capped at MaxInterval, with up to 25% random jitter to avoid retry
// stampedes across concurrent jobs.
func (p *Policy) backoff(attempt int) time.Duration {
	delay := p.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
	return delay + jitter
}
