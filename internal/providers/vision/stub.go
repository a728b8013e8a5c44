package vision

import (
	"context"
	"hash/fnv"

	"github.com/cardlens/cardlens/internal/domain"
)

// Stub is a deterministic in-process provider used by local dev and
// tests. The same image bytes always produce the same features.
type Stub struct {
	// OCRText overrides the synthesized OCR blocks when non-empty.
	OCRText []string
}

// Analyze derives plausible features from a digest of the image bytes.
func (s *Stub) Analyze(_ context.Context, image []byte) (*Features, error) {
	if len(image) == 0 {
		return nil, domain.ErrDecode
	}

	h := fnv.New64a()
	_, _ = h.Write(image)
	seed := h.Sum64()

	// Spread digest bits over the feature space; everything stays in
	// its legal range.
	frac := func(shift uint, span float64) float64 {
		return float64((seed>>shift)&0xff) / 255.0 * span
	}

	ocr := []domain.OCRBlock{
		{Text: "Charizard", Confidence: 0.90 + frac(0, 0.1), BoundingBox: domain.BoundingBox{X: 40, Y: 20, Width: 200, Height: 40}},
		{Text: "HP 120", Confidence: 0.85 + frac(8, 0.1), BoundingBox: domain.BoundingBox{X: 280, Y: 20, Width: 80, Height: 30}},
		{Text: "Illus. Mitsuhiro Arita", Confidence: 0.80 + frac(16, 0.1), BoundingBox: domain.BoundingBox{X: 40, Y: 520, Width: 180, Height: 20}},
		{Text: "Weakness", Confidence: 0.80 + frac(24, 0.1), BoundingBox: domain.BoundingBox{X: 40, Y: 470, Width: 110, Height: 20}},
	}
	if len(s.OCRText) > 0 {
		ocr = ocr[:0]
		for i, text := range s.OCRText {
			ocr = append(ocr, domain.OCRBlock{
				Text:        text,
				Confidence:  0.9,
				BoundingBox: domain.BoundingBox{X: 40, Y: 20 + i*40, Width: 200, Height: 30},
			})
		}
	}

	return &Features{
		OCR: ocr,
		Borders: domain.Borders{
			Top:      88 + frac(32, 6),
			Bottom:   88 + frac(36, 6),
			Left:     58 + frac(40, 5),
			Right:    58 + frac(44, 5),
			Symmetry: 0.9 + frac(48, 0.1),
		},
		HoloVariance: 0.5 + frac(52, 0.2),
		FontMetrics: domain.FontMetrics{
			Kerning:          []float64{1.0, 1.0 + frac(56, 0.05), 0.98},
			Alignment:        0.88 + frac(60, 0.1),
			FontSizeVariance: 5 + frac(4, 10),
		},
		Quality:   domain.Quality{Blur: frac(12, 0.3), Glare: frac(20, 0.3)},
		ImageMeta: domain.ImageMeta{Width: 400, Height: 600},
	}, nil
}
