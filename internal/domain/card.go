package domain

import (
	"fmt"
	"strings"
	"time"
)

// Card is the mutable record owned by a single subject. Cached latest
// valuation fields mirror the most recent snapshot after a successful
// revaluation.
type Card struct {
	CardID  string `json:"cardId" db:"card_id"`
	Subject string `json:"-" db:"subject"`

	FrontKey string  `json:"frontKey" db:"front_key"`
	BackKey  *string `json:"backKey,omitempty" db:"back_key"`

	Name              *string `json:"name,omitempty" db:"name"`
	Set               *string `json:"set,omitempty" db:"set_name"`
	Number            *string `json:"number,omitempty" db:"number"`
	Rarity            *string `json:"rarity,omitempty" db:"rarity"`
	Type              *string `json:"type,omitempty" db:"card_type"`
	ConditionEstimate *string `json:"conditionEstimate,omitempty" db:"condition_estimate"`

	ValueLow            *float64             `json:"valueLow,omitempty" db:"value_low"`
	ValueMedian         *float64             `json:"valueMedian,omitempty" db:"value_median"`
	ValueHigh           *float64             `json:"valueHigh,omitempty" db:"value_high"`
	AuthenticityScore   *float64             `json:"authenticityScore,omitempty" db:"authenticity_score"`
	AuthenticitySignals *AuthenticitySignals `json:"authenticitySignals,omitempty" db:"-"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// CardDescriptors carries owner-supplied identification hints.
type CardDescriptors struct {
	Name              *string `json:"name,omitempty"`
	Set               *string `json:"set,omitempty"`
	Number            *string `json:"number,omitempty"`
	Rarity            *string `json:"rarity,omitempty"`
	Type              *string `json:"type,omitempty"`
	ConditionEstimate *string `json:"conditionEstimate,omitempty"`
}

// Snapshot is an immutable, time-stamped valuation record. Revaluation
// appends a new snapshot; prior snapshots are never mutated.
type Snapshot struct {
	Subject   string    `json:"-" db:"subject"`
	CardID    string    `json:"cardId" db:"card_id"`
	Timestamp time.Time `json:"timestamp" db:"ts"`

	ValueLow    *float64 `json:"valueLow" db:"value_low"`
	ValueMedian *float64 `json:"valueMedian" db:"value_median"`
	ValueHigh   *float64 `json:"valueHigh" db:"value_high"`

	CompsCount int     `json:"compsCount" db:"comps_count"`
	WindowDays int     `json:"windowDays" db:"window_days"`
	Confidence float64 `json:"confidence" db:"confidence"`

	AuthenticityScore   float64             `json:"authenticityScore" db:"authenticity_score"`
	AuthenticitySignals AuthenticitySignals `json:"authenticitySignals" db:"-"`

	Sources   []string `json:"sources" db:"-"`
	Rationale *string  `json:"rationale,omitempty" db:"rationale"`
	Degraded  bool     `json:"degraded" db:"degraded"`
}

// Validate enforces the snapshot invariants: value ordering, score
// ranges and a positive pricing window.
func (s *Snapshot) Validate() error {
	if s.CardID == "" || s.Subject == "" {
		return fmt.Errorf("%w: snapshot requires subject and cardId", ErrValidation)
	}
	if s.WindowDays < 1 {
		return fmt.Errorf("%w: windowDays must be >= 1, got %d", ErrValidation, s.WindowDays)
	}
	if s.ValueLow != nil && s.ValueMedian != nil && *s.ValueLow > *s.ValueMedian {
		return fmt.Errorf("%w: valueLow %.2f > valueMedian %.2f", ErrValidation, *s.ValueLow, *s.ValueMedian)
	}
	if s.ValueMedian != nil && s.ValueHigh != nil && *s.ValueMedian > *s.ValueHigh {
		return fmt.Errorf("%w: valueMedian %.2f > valueHigh %.2f", ErrValidation, *s.ValueMedian, *s.ValueHigh)
	}
	for name, v := range map[string]float64{
		"confidence":        s.Confidence,
		"authenticityScore": s.AuthenticityScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %.4f outside [0,1]", ErrValidation, name, v)
		}
	}
	return s.AuthenticitySignals.Validate()
}

// AuthenticitySignals are the explainable sub-scores behind the
// authenticity verdict. Each value is within [0,1].
type AuthenticitySignals struct {
	VisualHashConfidence  float64 `json:"visualHashConfidence"`
	TextMatchConfidence   float64 `json:"textMatchConfidence"`
	HoloPatternConfidence float64 `json:"holoPatternConfidence"`
	BorderConsistency     float64 `json:"borderConsistency"`
	FontValidation        float64 `json:"fontValidation"`
}

// Validate checks every sub-score is within [0,1].
func (a AuthenticitySignals) Validate() error {
	for name, v := range map[string]float64{
		"visualHashConfidence":  a.VisualHashConfidence,
		"textMatchConfidence":   a.TextMatchConfidence,
		"holoPatternConfidence": a.HoloPatternConfidence,
		"borderConsistency":     a.BorderConsistency,
		"fontValidation":        a.FontValidation,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: signal %s %.4f outside [0,1]", ErrValidation, name, v)
		}
	}
	return nil
}

// ExecutionState enumerates the orchestrator state machine.
type ExecutionState string

const (
	ExecQueued       ExecutionState = "QUEUED"
	ExecExtracting   ExecutionState = "EXTRACTING"
	ExecParallel     ExecutionState = "PRICING_AUTHENTICITY"
	ExecAggregating  ExecutionState = "AGGREGATING"
	ExecSucceeded    ExecutionState = "SUCCEEDED"
	ExecFailed       ExecutionState = "FAILED"
)

// Terminal reports whether the state ends the execution.
func (s ExecutionState) Terminal() bool {
	return s == ExecSucceeded || s == ExecFailed
}

// ExecutionRecord is the durable trace of one pipeline run.
type ExecutionRecord struct {
	ExecutionID string         `json:"executionId" db:"execution_id"`
	CardID      string         `json:"cardId" db:"card_id"`
	Subject     string         `json:"-" db:"subject"`
	State       ExecutionState `json:"state" db:"state"`
	StartedAt   time.Time      `json:"startedAt" db:"started_at"`
	EndedAt     *time.Time     `json:"endedAt,omitempty" db:"ended_at"`
	LastError   *string        `json:"lastError,omitempty" db:"last_error"`
}

// SubjectScoped rejects cross-subject access before any data touch.
func SubjectScoped(owner, caller string) error {
	if owner == "" || caller == "" || owner != caller {
		return fmt.Errorf("%w: card", ErrNotFound)
	}
	return nil
}

// NormalizeCardName produces the canonical form used for reference-hash
// prefixes and pricing queries.
func NormalizeCardName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}
