package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/domain/fusion"
	"github.com/cardlens/cardlens/internal/domain/signals"
	"github.com/cardlens/cardlens/internal/providers/reasoning"
	"github.com/cardlens/cardlens/internal/refstore"
)

// fallbackRationale is set on snapshots scored without the reasoner.
const fallbackRationale = "computed from signals; reasoning unavailable"

// pricingOutcome is the settled result of the pricing branch.
type pricingOutcome struct {
	Result domain.PricingResult
	// AllFailed is true when adapters were queried and every one
	// failed outright. Combined with a degraded authenticity branch it
	// fails the execution.
	AllFailed bool
}

// priceCard fans out to the adapters and fuses the comps. A card with
// no identified name short-circuits to a no-data result; an all-failed
// fan-out settles as no-data with the flag raised.
func (p *Pipeline) priceCard(ctx context.Context, card *domain.Card, windowDays int) pricingOutcome {
	query := pricingQuery(card, windowDays)
	if query.Name == "" {
		log.Debug().Str("card_id", card.CardID).Msg("No card name, skipping pricing fan-out")
		return pricingOutcome{Result: noDataResult(windowDays)}
	}

	fanout := p.deps.Pricing.FetchAll(ctx, query)
	for _, r := range fanout.Results {
		p.metrics.RecordAdapterOutcome(r.Tag, string(r.Outcome), 0)
		if r.Err != nil {
			log.Warn().Str("card_id", card.CardID).Str("source", r.Tag).
				Err(r.Err).Msg("Pricing adapter failed")
		}
	}

	result := fusion.Fuse(fusion.Input{
		Comps:            fanout.Comps,
		WindowDays:       windowDays,
		AsOf:             p.now().UTC(),
		Rates:            p.deps.Rates,
		AdaptersQueried:  fanout.Queried,
		AdaptersWithData: fanout.WithData,
	})
	return pricingOutcome{Result: result, AllFailed: fanout.AllFailed()}
}

func pricingQuery(card *domain.Card, windowDays int) domain.PricingQuery {
	q := domain.PricingQuery{WindowDays: windowDays}
	if card.Name != nil {
		q.Name = domain.NormalizeCardName(*card.Name)
	}
	if card.Set != nil {
		q.Set = *card.Set
	}
	if card.Number != nil {
		q.Number = *card.Number
	}
	if card.Rarity != nil {
		q.Rarity = *card.Rarity
	}
	return q
}

func noDataResult(windowDays int) domain.PricingResult {
	return domain.PricingResult{WindowDays: windowDays, Sources: []string{}}
}

// scoreAuthenticity computes the sub-scores and asks the reasoner for
// a verdict. Reasoner failure after the retry budget falls back to the
// weighted signal overall with the degraded flag set.
func (p *Pipeline) scoreAuthenticity(ctx context.Context, refStore *refstore.Cached, card *domain.Card, env *domain.FeatureEnvelope) domain.AuthenticityResult {
	var refHashes []string
	if card.Name != nil {
		refs, err := refStore.Load(ctx, *card.Name)
		if err != nil {
			log.Warn().Str("card_id", card.CardID).Err(err).
				Msg("Reference hashes unavailable, scoring without them")
		}
		for _, ref := range refs {
			refHashes = append(refHashes, ref.Hash)
		}
	}

	expected := expectedFromCard(card)
	sig := signals.Compute(env, refHashes, expected)
	overall := signals.Overall(sig)

	req := reasoning.Request{
		Signals:       sig,
		SignalOverall: overall,
		OCRText:       ocrText(env),
	}
	if expected != nil {
		req.ExpectedName = expected.Name
		req.ExpectedHolo = expected.Holo
	}
	if card.Set != nil {
		req.ExpectedSet = *card.Set
	}

	var verdict *reasoning.Verdict
	err := p.config.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.config.ReasonerTimeout)
		defer cancel()
		v, err := p.deps.Reasoner.Score(callCtx, req)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if err != nil {
		log.Warn().Str("card_id", card.CardID).Err(err).
			Msg("Reasoner unavailable, falling back to signal overall")
		return domain.AuthenticityResult{
			Score:     overall,
			Rationale: fallbackRationale,
			Signals:   sig,
			Degraded:  true,
		}
	}
	return domain.AuthenticityResult{
		Score:     verdict.Score,
		Rationale: verdict.Rationale,
		Signals:   sig,
	}
}

func expectedFromCard(card *domain.Card) *signals.Expected {
	if card.Name == nil {
		return nil
	}
	exp := &signals.Expected{Name: *card.Name}
	if card.Rarity != nil {
		exp.Holo = strings.Contains(strings.ToLower(*card.Rarity), "holo")
	}
	return exp
}

func ocrText(env *domain.FeatureEnvelope) []string {
	out := make([]string, 0, len(env.OCR))
	for _, block := range env.OCR {
		out = append(out, block.Text)
	}
	return out
}

// runParallel settles both branches. There is no ordering between
// them; each runs on its own goroutine and substitutes its fallback
// rather than failing the step.
func (p *Pipeline) runParallel(ctx context.Context, card *domain.Card, env *domain.FeatureEnvelope, windowDays int) (pricingOutcome, domain.AuthenticityResult) {
	var (
		pricing pricingOutcome
		auth    domain.AuthenticityResult
	)

	// Reference hashes are memoized for this execution only so refs
	// uploaded later are seen by the next run.
	refStore := refstore.NewCached(p.deps.Refs)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		timer := p.metrics.StartStepTimer("pricing")
		pricing = p.priceCard(ctx, card, windowDays)
		if pricing.AllFailed {
			timer.Stop("fallback")
		} else {
			timer.Stop("ok")
		}
	}()

	go func() {
		defer wg.Done()
		timer := p.metrics.StartStepTimer("authenticity")
		auth = p.scoreAuthenticity(ctx, refStore, card, env)
		if auth.Degraded {
			timer.Stop("fallback")
		} else {
			timer.Stop("ok")
		}
	}()

	wg.Wait()
	return pricing, auth
}

// branchesFailed implements the settle rule: the parallel step fails
// only when pricing adapters all failed outright AND the authenticity
// branch also fell back.
func branchesFailed(pricing pricingOutcome, auth domain.AuthenticityResult) bool {
	return pricing.AllFailed && auth.Degraded
}
