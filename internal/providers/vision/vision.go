// Package vision abstracts the computer-vision provider behind a
// narrow interface; provider-specific response schemas never leave
// this package.
package vision

import (
	"context"

	"github.com/cardlens/cardlens/internal/domain"
)

// Features is the provider-neutral result of analyzing one image.
type Features struct {
	OCR          []domain.OCRBlock
	Borders      domain.Borders
	HoloVariance float64
	FontMetrics  domain.FontMetrics
	Quality      domain.Quality
	ImageMeta    domain.ImageMeta
}

// Provider runs text and label detection over raw image bytes.
type Provider interface {
	Analyze(ctx context.Context, image []byte) (*Features, error)
}
