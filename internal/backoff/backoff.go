// Package backoff implements the jittered exponential retry policy
// applied to retryable pipeline steps and provider calls.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cardlens/cardlens/internal/domain"
)

// Policy describes one retry schedule. Attempt n (0-based) sleeps
// Base * Factor^n before running, with up to JitterFrac of that added
// randomly.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	JitterFrac  float64
}

// Default mirrors the step policy: 3 attempts, 2s base, factor 2.
func Default() Policy {
	return Policy{MaxAttempts: 3, Base: 2 * time.Second, Factor: 2, JitterFrac: 0.2}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Exhaustion converts transient failures into
// domain.ErrProviderPermanent.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, attempt-1); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !domain.Retryable(lastErr) {
			return lastErr
		}
	}

	if errors.Is(lastErr, domain.ErrProviderTransient) || errors.Is(lastErr, domain.ErrTimeout) || errors.Is(lastErr, domain.ErrRateLimited) {
		return fmt.Errorf("%w: retries exhausted after %d attempts: %v", domain.ErrProviderPermanent, attempts, lastErr)
	}
	return lastErr
}

func (p Policy) sleep(ctx context.Context, exponent int) error {
	d := p.Base
	for i := 0; i < exponent; i++ {
		d = time.Duration(float64(d) * p.Factor)
	}
	if p.JitterFrac > 0 {
		d += time.Duration(rand.Float64() * p.JitterFrac * float64(d))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
