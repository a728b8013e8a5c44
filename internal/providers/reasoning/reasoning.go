// Package reasoning abstracts the authenticity reasoning provider.
package reasoning

import (
	"context"

	"github.com/cardlens/cardlens/internal/domain"
)

// Request is the structured, deterministic prompt context: numeric
// signals plus canonical text features only, never raw images.
type Request struct {
	Signals       domain.AuthenticitySignals `json:"signals"`
	SignalOverall float64                    `json:"signalOverall"`
	OCRText       []string                   `json:"ocrText"`
	ExpectedName  string                     `json:"expectedName,omitempty"`
	ExpectedSet   string                     `json:"expectedSet,omitempty"`
	ExpectedHolo  bool                       `json:"expectedHolo"`
}

// Verdict is the provider's scored answer.
type Verdict struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Provider scores a card's authenticity from the structured context.
type Provider interface {
	Score(ctx context.Context, req Request) (*Verdict, error)
}
