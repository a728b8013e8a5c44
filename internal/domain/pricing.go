package domain

import "time"

// Comp is one comparable sale reported by a pricing adapter.
type Comp struct {
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Condition *string   `json:"condition,omitempty"`
	SoldAt    time.Time `json:"soldAt"`
	SourceTag string    `json:"sourceTag"`
	URL       *string   `json:"url,omitempty"`
}

// AdapterOutcome enumerates the result of one adapter call.
type AdapterOutcome string

const (
	AdapterOK     AdapterOutcome = "ok"
	AdapterEmpty  AdapterOutcome = "empty"
	AdapterFailed AdapterOutcome = "failed"
)

// PricingQuery identifies the card being priced.
type PricingQuery struct {
	Name       string
	Set        string
	Number     string
	Rarity     string
	WindowDays int
}

// PricingResult is the fused valuation across all adapters. A no-data
// result carries nil values and zero confidence.
type PricingResult struct {
	ValueLow    *float64 `json:"valueLow"`
	ValueMedian *float64 `json:"valueMedian"`
	ValueHigh   *float64 `json:"valueHigh"`
	CompsCount  int      `json:"compsCount"`
	WindowDays  int      `json:"windowDays"`
	Confidence  float64  `json:"confidence"`
	Sources     []string `json:"sources"`
}

// NoData reports whether fusion produced no usable comps.
func (p *PricingResult) NoData() bool {
	return p.CompsCount == 0
}

// AuthenticityResult is the reasoner verdict, or the signal-only
// fallback when the reasoner is unavailable.
type AuthenticityResult struct {
	Score     float64             `json:"authenticityScore"`
	Rationale string              `json:"rationale"`
	Signals   AuthenticitySignals `json:"signals"`
	Degraded  bool                `json:"degraded"`
}
