package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cardlens/cardlens/internal/backoff"
	"github.com/cardlens/cardlens/internal/domain"
)

// RegistryConfig tunes the fan-out machinery shared by all adapters.
type RegistryConfig struct {
	// CallTimeout bounds each individual adapter attempt.
	CallTimeout time.Duration
	// Retry is applied per adapter around transient failures.
	Retry backoff.Policy
	// RatePerSec and Burst configure each adapter's token bucket.
	RatePerSec float64
	Burst      int
	// BreakerFailures trips the adapter's circuit after this many
	// consecutive failures.
	BreakerFailures uint32
	// BreakerCooldown is how long a tripped circuit stays open.
	BreakerCooldown time.Duration
}

// DefaultRegistryConfig mirrors the per-adapter budgets of the
// execution model.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		CallTimeout:     10 * time.Second,
		Retry:           backoff.Policy{MaxAttempts: 3, Base: 500 * time.Millisecond, Factor: 2, JitterFrac: 0.2},
		RatePerSec:      5,
		Burst:           5,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// AdapterResult is one adapter's contribution to a fan-out.
type AdapterResult struct {
	Tag     string
	Outcome domain.AdapterOutcome
	Comps   []domain.Comp
	Err     error
}

// FanOutResult aggregates the parallel fan-out for fusion.
type FanOutResult struct {
	Comps    []domain.Comp
	Results  []AdapterResult
	Queried  int
	WithData int
}

// AllFailed reports whether every queried adapter failed outright.
func (f *FanOutResult) AllFailed() bool {
	if f.Queried == 0 {
		return true
	}
	for _, r := range f.Results {
		if r.Outcome != domain.AdapterFailed {
			return false
		}
	}
	return true
}

// Registry owns the enabled adapters plus their token buckets and
// circuit breakers, and runs the parallel fan-out.
type Registry struct {
	adapters []Adapter
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	config   RegistryConfig
}

// NewRegistry wires limiters and breakers for each adapter, preserving
// the configured adapter order.
func NewRegistry(config RegistryConfig, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: adapters,
		limiters: make(map[string]*rate.Limiter, len(adapters)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(adapters)),
		config:   config,
	}
	for _, a := range adapters {
		tag := a.Tag()
		r.limiters[tag] = rate.NewLimiter(rate.Limit(config.RatePerSec), config.Burst)
		r.breakers[tag] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "pricing-" + tag,
			Timeout: config.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("pricing breaker state change")
			},
		})
	}
	return r
}

// Tags returns the enabled adapter tags in configured order.
func (r *Registry) Tags() []string {
	tags := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		tags[i] = a.Tag()
	}
	return tags
}

// FetchAll queries every adapter concurrently. A failed adapter is
// recorded, never fatal; the caller decides what an all-failed fan-out
// means.
func (r *Registry) FetchAll(ctx context.Context, query domain.PricingQuery) *FanOutResult {
	results := make([]AdapterResult, len(r.adapters))

	var wg sync.WaitGroup
	for i, adapter := range r.adapters {
		wg.Add(1)
		go func(i int, adapter Adapter) {
			defer wg.Done()
			results[i] = r.fetchOne(ctx, adapter, query)
		}(i, adapter)
	}
	wg.Wait()

	out := &FanOutResult{Results: results, Queried: len(r.adapters)}
	for _, res := range results {
		if res.Outcome == domain.AdapterOK {
			out.WithData++
			out.Comps = append(out.Comps, res.Comps...)
		}
	}
	return out
}

func (r *Registry) fetchOne(ctx context.Context, adapter Adapter, query domain.PricingQuery) AdapterResult {
	tag := adapter.Tag()
	result := AdapterResult{Tag: tag}

	var comps []domain.Comp
	err := r.config.Retry.Do(ctx, func(ctx context.Context) error {
		if err := r.limiters[tag].Wait(ctx); err != nil {
			return err
		}

		callCtx := ctx
		if r.config.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.config.CallTimeout)
			defer cancel()
		}

		fetched, err := r.breakers[tag].Execute(func() (interface{}, error) {
			return adapter.FetchComps(callCtx, query)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Retrying inside the cooldown window cannot help.
				return domain.ErrProviderPermanent
			}
			if callCtx.Err() != nil && ctx.Err() == nil {
				return domain.ErrTimeout
			}
			return err
		}
		comps = fetched.([]domain.Comp)
		return nil
	})

	if err != nil {
		result.Outcome = domain.AdapterFailed
		result.Err = err
		log.Warn().Err(err).Str("adapter", tag).Msg("pricing adapter failed")
		return result
	}
	if len(comps) == 0 {
		result.Outcome = domain.AdapterEmpty
		return result
	}
	result.Outcome = domain.AdapterOK
	result.Comps = comps
	return result
}
