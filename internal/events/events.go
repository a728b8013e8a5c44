// Package events emits domain notifications after valuation runs
// complete. Emission is best-effort: a failed publish is logged and
// counted, never surfaced to the pipeline.
package events

import (
	"context"
	"time"
)

// Event types carried on the bus.
const (
	TypeCardValuationUpdated = "card.valuation.updated"
	TypeAuthenticityFlagged  = "card.authenticity.flagged"
)

// Event is the envelope published for every notification.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Subject    string    `json:"subject"`
	CardID     string    `json:"cardId"`
	OccurredAt time.Time `json:"occurredAt"`

	// Exactly one of the payloads is set, matching Type.
	ValuationUpdated    *ValuationUpdated    `json:"valuationUpdated,omitempty"`
	AuthenticityFlagged *AuthenticityFlagged `json:"authenticityFlagged,omitempty"`
}

// ValuationUpdated reports a fresh snapshot for a card. The value
// fields are null on a no-data snapshot.
type ValuationUpdated struct {
	ExecutionID       string   `json:"executionId"`
	ValueLow          *float64 `json:"valueLow"`
	ValueMedian       *float64 `json:"valueMedian"`
	ValueHigh         *float64 `json:"valueHigh"`
	Currency          string   `json:"currency"`
	Confidence        float64  `json:"confidence"`
	Sources           []string `json:"sources"`
	AuthenticityScore float64  `json:"authenticityScore"`
	CompCount         int      `json:"compCount"`
	Degraded          bool     `json:"degraded"`
}

// AuthenticityFlagged reports a score below the configured threshold.
type AuthenticityFlagged struct {
	ExecutionID string  `json:"executionId"`
	Score       float64 `json:"score"`
	Threshold   float64 `json:"threshold"`
	Rationale   string  `json:"rationale"`
}

// Publisher delivers events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
