package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LogPublisher writes events to the structured log. It is the default
// when no redis bus is configured and keeps local dev noise-free.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev Event) error {
	logger := log.Info().
		Str("type", ev.Type).
		Str("subject", ev.Subject).
		Str("card_id", ev.CardID)
	if ev.ValuationUpdated != nil {
		if ev.ValuationUpdated.ValueMedian != nil {
			logger = logger.Float64("value_median", *ev.ValuationUpdated.ValueMedian)
		}
		logger = logger.Float64("authenticity", ev.ValuationUpdated.AuthenticityScore)
	}
	if ev.AuthenticityFlagged != nil {
		logger = logger.
			Float64("score", ev.AuthenticityFlagged.Score).
			Float64("threshold", ev.AuthenticityFlagged.Threshold)
	}
	logger.Msg("Event emitted")
	return nil
}

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType filters the captured events.
func (r *Recorder) ByType(eventType string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
