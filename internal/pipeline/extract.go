package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/domain/phash"
)

// extract fetches the card images, hashes them and runs the vision
// provider, producing the validated feature envelope. The whole step
// is retried under the step policy; a missing front image is terminal.
func (p *Pipeline) extract(ctx context.Context, card *domain.Card) (*domain.FeatureEnvelope, error) {
	var envelope *domain.FeatureEnvelope
	err := p.config.Retry.Do(ctx, func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, p.config.ExtractTimeout)
		defer cancel()

		env, err := p.extractOnce(stepCtx, card)
		if err != nil {
			return err
		}
		envelope = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

func (p *Pipeline) extractOnce(ctx context.Context, card *domain.Card) (*domain.FeatureEnvelope, error) {
	front, err := p.deps.Objects.Get(ctx, card.FrontKey)
	if err != nil {
		return nil, fmt.Errorf("fetch front image %s: %w", card.FrontKey, err)
	}

	frontHash, err := phash.Hash(front)
	if err != nil {
		return nil, fmt.Errorf("hash front image: %w", err)
	}

	var backHash *string
	if card.BackKey != nil {
		back, err := p.deps.Objects.Get(ctx, *card.BackKey)
		if err != nil {
			// A vanished back image degrades to front-only analysis.
			log.Warn().Str("card_id", card.CardID).Str("back_key", *card.BackKey).
				Err(err).Msg("Back image unavailable, continuing front-only")
		} else {
			h, err := phash.Hash(back)
			if err != nil {
				return nil, fmt.Errorf("hash back image: %w", err)
			}
			backHash = &h
		}
	}

	features, err := p.deps.Vision.Analyze(ctx, front)
	if err != nil {
		return nil, fmt.Errorf("vision analyze: %w", err)
	}

	envelope := &domain.FeatureEnvelope{
		OCR:          features.OCR,
		Borders:      features.Borders,
		HoloVariance: features.HoloVariance,
		FontMetrics:  features.FontMetrics,
		Quality:      features.Quality,
		ImageMeta:    features.ImageMeta,
		FrontHash:    frontHash,
		BackHash:     backHash,
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	return envelope, nil
}

// conditionFromQuality derives a coarse condition estimate from the
// capture-quality measurements when the owner supplied none.
func conditionFromQuality(q domain.Quality) string {
	switch {
	case q.Blur < 0.2 && q.Glare < 0.2:
		return "excellent"
	case q.Blur < 0.5 && q.Glare < 0.5:
		return "good"
	default:
		return "unassessed"
	}
}
