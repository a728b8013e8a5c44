package reasoning

import (
	"context"
	"fmt"
)

// Stub is a deterministic provider for tests and local dev: it leans
// slightly toward the signal blend it is given.
type Stub struct {
	// Fail makes every call return this error instead of a verdict.
	Fail error
}

// Score returns a verdict derived only from the request's numbers.
func (s *Stub) Score(_ context.Context, req Request) (*Verdict, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}

	// Weight the blended signals heavily, nudged by the text evidence.
	score := 0.9*req.SignalOverall + 0.1*req.Signals.TextMatchConfidence
	if score > 1 {
		score = 1
	}

	verdict := "consistent with an authentic print"
	if score < 0.5 {
		verdict = "multiple signals inconsistent with an authentic print"
	}
	return &Verdict{
		Score:     score,
		Rationale: fmt.Sprintf("%s (signal blend %.2f)", verdict, req.SignalOverall),
	}, nil
}
