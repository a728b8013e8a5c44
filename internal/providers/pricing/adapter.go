// Package pricing fans out comparable-sale queries to marketplace
// adapters and normalizes their answers.
package pricing

import (
	"context"

	"github.com/cardlens/cardlens/internal/domain"
)

// Adapter is one marketplace client. Implementations must be safe for
// concurrent use; the registry calls them from parallel goroutines.
type Adapter interface {
	Tag() string
	FetchComps(ctx context.Context, query domain.PricingQuery) ([]domain.Comp, error)
}

// Fixture is a canned adapter for tests and offline runs.
type Fixture struct {
	AdapterTag string
	Comps      []domain.Comp
	Err        error
	// Delay lets tests simulate a slow marketplace.
	Delay func(ctx context.Context) error
}

func (f *Fixture) Tag() string { return f.AdapterTag }

func (f *Fixture) FetchComps(ctx context.Context, _ domain.PricingQuery) ([]domain.Comp, error) {
	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return nil, err
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]domain.Comp, len(f.Comps))
	copy(out, f.Comps)
	for i := range out {
		out[i].SourceTag = f.AdapterTag
	}
	return out, nil
}
