package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/domain/fusion"
	"github.com/cardlens/cardlens/internal/events"
)

// aggregate merges the settled branches into an immutable snapshot,
// persists it atomically with the card's cached-latest fields and
// emits the domain events. No retries: failure here means the data
// layer is unhealthy and the execution is terminal.
func (p *Pipeline) aggregate(ctx context.Context, executionID string, card *domain.Card, env *domain.FeatureEnvelope, pricing pricingOutcome, auth domain.AuthenticityResult) (*domain.Snapshot, error) {
	writeCtx, cancel := context.WithTimeout(ctx, p.config.AggregateTimeout)
	defer cancel()

	rationale := auth.Rationale
	snapshot := &domain.Snapshot{
		Subject:   card.Subject,
		CardID:    card.CardID,
		Timestamp: p.now().UTC(),

		ValueLow:    pricing.Result.ValueLow,
		ValueMedian: pricing.Result.ValueMedian,
		ValueHigh:   pricing.Result.ValueHigh,
		CompsCount:  pricing.Result.CompsCount,
		WindowDays:  pricing.Result.WindowDays,
		Confidence:  pricing.Result.Confidence,

		AuthenticityScore:   auth.Score,
		AuthenticitySignals: auth.Signals,
		Sources:             pricing.Result.Sources,
		Rationale:           &rationale,
		Degraded:            auth.Degraded,
	}
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	var conditionEstimate *string
	if card.ConditionEstimate == nil {
		estimate := conditionFromQuality(env.Quality)
		conditionEstimate = &estimate
	}

	if err := p.deps.Store.WriteValuation(writeCtx, snapshot, conditionEstimate); err != nil {
		return nil, fmt.Errorf("write valuation: %w", err)
	}

	p.emit(ctx, executionID, snapshot)
	return snapshot, nil
}

// emit publishes the post-commit events. Failures are logged and
// counted, never returned: the write group already committed.
func (p *Pipeline) emit(ctx context.Context, executionID string, snapshot *domain.Snapshot) {
	updated := events.Event{
		Type:    events.TypeCardValuationUpdated,
		Subject: snapshot.Subject,
		CardID:  snapshot.CardID,
		ValuationUpdated: &events.ValuationUpdated{
			ExecutionID:       executionID,
			ValueLow:          snapshot.ValueLow,
			ValueMedian:       snapshot.ValueMedian,
			ValueHigh:         snapshot.ValueHigh,
			Currency:          fusion.CanonicalCurrency,
			Confidence:        snapshot.Confidence,
			Sources:           snapshot.Sources,
			AuthenticityScore: snapshot.AuthenticityScore,
			CompCount:         snapshot.CompsCount,
			Degraded:          snapshot.Degraded,
		},
	}
	p.publish(ctx, updated)

	if snapshot.AuthenticityScore < p.config.FlagThreshold {
		rationale := ""
		if snapshot.Rationale != nil {
			rationale = *snapshot.Rationale
		}
		p.publish(ctx, events.Event{
			Type:    events.TypeAuthenticityFlagged,
			Subject: snapshot.Subject,
			CardID:  snapshot.CardID,
			AuthenticityFlagged: &events.AuthenticityFlagged{
				ExecutionID: executionID,
				Score:       snapshot.AuthenticityScore,
				Threshold:   p.config.FlagThreshold,
				Rationale:   rationale,
			},
		})
	}
}

func (p *Pipeline) publish(ctx context.Context, ev events.Event) {
	if err := p.deps.Publisher.Publish(ctx, ev); err != nil {
		p.metrics.RecordEvent(ev.Type, "error")
		log.Error().Str("type", ev.Type).Str("card_id", ev.CardID).
			Err(err).Msg("Event publish failed")
		return
	}
	p.metrics.RecordEvent(ev.Type, "ok")
}
