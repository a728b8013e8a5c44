package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/domain"
)

func legalEnvelope() *domain.FeatureEnvelope {
	return &domain.FeatureEnvelope{
		OCR: []domain.OCRBlock{
			{Text: "Charizard HP 120", Confidence: 0.95},
			{Text: "Illus. Mitsuhiro Arita", Confidence: 0.88},
			{Text: "Weakness ×2", Confidence: 0.9},
		},
		Borders:      domain.Borders{Top: 90, Bottom: 92, Left: 60, Right: 61, Symmetry: 0.95},
		HoloVariance: 0.62,
		FontMetrics:  domain.FontMetrics{Kerning: []float64{1.0, 1.02, 0.98}, Alignment: 0.9, FontSizeVariance: 8},
		Quality:      domain.Quality{Blur: 0.1, Glare: 0.05},
		ImageMeta:    domain.ImageMeta{Width: 400, Height: 600},
		FrontHash:    "a1b2c3d4e5f60718",
	}
}

func TestCompute_AllSignalsInRange(t *testing.T) {
	tests := []struct {
		name string
		env  func() *domain.FeatureEnvelope
		refs []string
		exp  *Expected
	}{
		{name: "typical_holo", env: legalEnvelope, refs: []string{"a1b2c3d4e5f60718"}, exp: &Expected{Name: "Charizard", Holo: true}},
		{name: "no_references", env: legalEnvelope, exp: &Expected{Name: "Charizard"}},
		{name: "no_expectation", env: legalEnvelope},
		{
			name: "empty_ocr",
			env: func() *domain.FeatureEnvelope {
				e := legalEnvelope()
				e.OCR = nil
				return e
			},
		},
		{
			name: "extreme_variance",
			env: func() *domain.FeatureEnvelope {
				e := legalEnvelope()
				e.HoloVariance = 1.0
				e.FontMetrics.FontSizeVariance = 500
				e.FontMetrics.Kerning = []float64{0, 10, 0, 10}
				return e
			},
			exp: &Expected{Holo: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Compute(tt.env(), tt.refs, tt.exp)
			require.NoError(t, s.Validate())
			overall := Overall(s)
			assert.GreaterOrEqual(t, overall, 0.0)
			assert.LessOrEqual(t, overall, 1.0)
		})
	}
}

func TestVisualHash(t *testing.T) {
	env := legalEnvelope()

	t.Run("no_references_is_neutral", func(t *testing.T) {
		s := Compute(env, nil, nil)
		assert.Equal(t, 0.5, s.VisualHashConfidence)
	})

	t.Run("exact_reference_match", func(t *testing.T) {
		s := Compute(env, []string{env.FrontHash}, nil)
		assert.Equal(t, 1.0, s.VisualHashConfidence)
	})

	t.Run("best_of_many", func(t *testing.T) {
		// The far hash alone scores low; adding the exact hash must win.
		far := Compute(env, []string{"0000000000000000"}, nil)
		both := Compute(env, []string{"0000000000000000", env.FrontHash}, nil)
		assert.Greater(t, both.VisualHashConfidence, far.VisualHashConfidence)
		assert.Equal(t, 1.0, both.VisualHashConfidence)
	})

	t.Run("unparseable_references_are_neutral", func(t *testing.T) {
		s := Compute(env, []string{"short"}, nil)
		assert.Equal(t, 0.5, s.VisualHashConfidence)
	})
}

func TestTextMatch(t *testing.T) {
	t.Run("empty_ocr_scores_zero", func(t *testing.T) {
		e := legalEnvelope()
		e.OCR = nil
		s := Compute(e, nil, nil)
		assert.Equal(t, 0.0, s.TextMatchConfidence)
	})

	t.Run("expected_name_detected", func(t *testing.T) {
		e := legalEnvelope()
		withName := Compute(e, nil, &Expected{Name: "Charizard"})
		withWrongName := Compute(e, nil, &Expected{Name: "Blastoise"})
		assert.Greater(t, withName.TextMatchConfidence, withWrongName.TextMatchConfidence)
	})

	t.Run("all_patterns_full_confidence", func(t *testing.T) {
		e := legalEnvelope()
		e.OCR = []domain.OCRBlock{{Text: "Charizard HP © Illus. Weakness", Confidence: 1.0}}
		s := Compute(e, nil, &Expected{Name: "Charizard"})
		assert.InDelta(t, 1.0, s.TextMatchConfidence, 1e-9)
	})
}

func TestHoloPattern(t *testing.T) {
	tests := []struct {
		name     string
		variance float64
		holo     bool
		want     float64
	}{
		{name: "nonholo_flat", variance: 0.1, holo: false, want: 1.0},
		{name: "nonholo_mild", variance: 0.3, holo: false, want: 0.7},
		{name: "nonholo_noisy", variance: 0.8, holo: false, want: 0.3},
		{name: "holo_center_band", variance: 0.6, holo: true, want: 1.0},
		{name: "holo_band_floor", variance: 0.32, holo: true, want: 0.5},
		{name: "holo_too_flat", variance: 0.15, holo: true, want: 0.4},
		{name: "holo_too_noisy", variance: 1.0, holo: true, want: 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := legalEnvelope()
			e.HoloVariance = tt.variance
			s := Compute(e, nil, &Expected{Holo: tt.holo})
			assert.InDelta(t, tt.want, s.HoloPatternConfidence, 1e-9)
		})
	}
}

func TestBorderConsistency(t *testing.T) {
	t.Run("symmetric_target_ratio_scores_high", func(t *testing.T) {
		e := legalEnvelope()
		e.ImageMeta = domain.ImageMeta{Width: 400, Height: 600}
		e.Borders = domain.Borders{Top: 90, Bottom: 90, Left: 60, Right: 60, Symmetry: 1.0}
		s := Compute(e, nil, nil)
		assert.InDelta(t, 1.0, s.BorderConsistency, 1e-9)
	})

	t.Run("lopsided_borders_score_lower", func(t *testing.T) {
		even := legalEnvelope()
		even.Borders = domain.Borders{Top: 90, Bottom: 90, Left: 60, Right: 60, Symmetry: 1.0}

		lopsided := legalEnvelope()
		lopsided.Borders = domain.Borders{Top: 300, Bottom: 5, Left: 200, Right: 2, Symmetry: 0.2}

		assert.Less(t,
			Compute(lopsided, nil, nil).BorderConsistency,
			Compute(even, nil, nil).BorderConsistency)
	})
}

func TestOverall_Weights(t *testing.T) {
	s := domain.AuthenticitySignals{
		VisualHashConfidence:  1.0,
		TextMatchConfidence:   1.0,
		HoloPatternConfidence: 1.0,
		BorderConsistency:     1.0,
		FontValidation:        1.0,
	}
	assert.InDelta(t, 1.0, Overall(s), 1e-9)

	s.VisualHashConfidence = 0
	assert.InDelta(t, 0.70, Overall(s), 1e-9)

	assert.Equal(t, 0.0, Overall(domain.AuthenticitySignals{}))
}
