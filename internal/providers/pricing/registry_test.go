package pricing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/backoff"
	"github.com/cardlens/cardlens/internal/domain"
)

func fastConfig() RegistryConfig {
	cfg := DefaultRegistryConfig()
	cfg.CallTimeout = 200 * time.Millisecond
	cfg.Retry = backoff.Policy{MaxAttempts: 2, Base: time.Millisecond, Factor: 2}
	cfg.RatePerSec = 1000
	cfg.Burst = 1000
	return cfg
}

func soldComp(price float64) domain.Comp {
	return domain.Comp{Price: price, Currency: "USD", SoldAt: time.Now().Add(-24 * time.Hour)}
}

func TestFetchAll_MixedOutcomes(t *testing.T) {
	registry := NewRegistry(fastConfig(),
		&Fixture{AdapterTag: "A", Comps: []domain.Comp{soldComp(350), soldComp(450)}},
		&Fixture{AdapterTag: "B", Err: fmt.Errorf("%w: upstream 503", domain.ErrProviderTransient)},
		&Fixture{AdapterTag: "C"}, // empty
	)

	result := registry.FetchAll(context.Background(), domain.PricingQuery{Name: "charizard", WindowDays: 30})

	assert.Equal(t, 3, result.Queried)
	assert.Equal(t, 1, result.WithData)
	assert.Len(t, result.Comps, 2)
	assert.False(t, result.AllFailed())

	outcomes := map[string]domain.AdapterOutcome{}
	for _, r := range result.Results {
		outcomes[r.Tag] = r.Outcome
	}
	assert.Equal(t, domain.AdapterOK, outcomes["A"])
	assert.Equal(t, domain.AdapterFailed, outcomes["B"])
	assert.Equal(t, domain.AdapterEmpty, outcomes["C"])

	// Comps carry the adapter tag for source attribution.
	for _, c := range result.Comps {
		assert.Equal(t, "A", c.SourceTag)
	}
}

func TestFetchAll_AllFailed(t *testing.T) {
	registry := NewRegistry(fastConfig(),
		&Fixture{AdapterTag: "A", Err: fmt.Errorf("%w: down", domain.ErrProviderTransient)},
		&Fixture{AdapterTag: "B", Err: fmt.Errorf("%w: schema", domain.ErrProviderPermanent)},
	)

	result := registry.FetchAll(context.Background(), domain.PricingQuery{Name: "x", WindowDays: 30})
	assert.True(t, result.AllFailed())
	assert.Empty(t, result.Comps)
	assert.Zero(t, result.WithData)
}

func TestFetchAll_SlowAdapterTimesOut(t *testing.T) {
	registry := NewRegistry(fastConfig(),
		&Fixture{AdapterTag: "slow", Delay: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		&Fixture{AdapterTag: "fast", Comps: []domain.Comp{soldComp(450)}},
	)

	result := registry.FetchAll(context.Background(), domain.PricingQuery{Name: "x", WindowDays: 30})

	outcomes := map[string]domain.AdapterOutcome{}
	for _, r := range result.Results {
		outcomes[r.Tag] = r.Outcome
	}
	assert.Equal(t, domain.AdapterFailed, outcomes["slow"])
	assert.Equal(t, domain.AdapterOK, outcomes["fast"])
	assert.Equal(t, 1, result.WithData)
}

func TestFetchAll_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	flaky := &Fixture{AdapterTag: "flaky", Comps: []domain.Comp{soldComp(450)}}
	flaky.Delay = func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("%w: first attempt drops", domain.ErrProviderTransient)
		}
		return nil
	}

	registry := NewRegistry(fastConfig(), flaky)
	result := registry.FetchAll(context.Background(), domain.PricingQuery{Name: "x", WindowDays: 30})

	require.Equal(t, domain.AdapterOK, result.Results[0].Outcome)
	assert.Equal(t, 2, calls)
}

func TestFetchAll_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	registry := NewRegistry(fastConfig(),
		&Fixture{AdapterTag: "A", Comps: []domain.Comp{soldComp(450)}},
	)
	result := registry.FetchAll(ctx, domain.PricingQuery{Name: "x", WindowDays: 30})
	assert.True(t, result.AllFailed(), "cancelled fan-out yields no data")
}

func TestRegistry_Tags(t *testing.T) {
	registry := NewRegistry(fastConfig(),
		&Fixture{AdapterTag: "ebay"},
		&Fixture{AdapterTag: "tcgplayer"},
		&Fixture{AdapterTag: "cardmarket"},
	)
	assert.Equal(t, []string{"ebay", "tcgplayer", "cardmarket"}, registry.Tags())
}
