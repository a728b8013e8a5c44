// Package pipeline runs the valuation state machine: feature
// extraction, the parallel pricing and authenticity branches, and the
// aggregation that persists a snapshot and emits events.
package pipeline

import (
	"time"

	"github.com/cardlens/cardlens/internal/backoff"
	"github.com/cardlens/cardlens/internal/domain/fusion"
	"github.com/cardlens/cardlens/internal/events"
	"github.com/cardlens/cardlens/internal/persistence"
	"github.com/cardlens/cardlens/internal/providers/pricing"
	"github.com/cardlens/cardlens/internal/providers/reasoning"
	"github.com/cardlens/cardlens/internal/providers/vision"
	"github.com/cardlens/cardlens/internal/refstore"
	"github.com/cardlens/cardlens/internal/storage"
	"github.com/cardlens/cardlens/internal/telemetry"
)

// Config carries the step deadlines and retry schedule.
type Config struct {
	ExtractTimeout    time.Duration
	ReasonerTimeout   time.Duration
	AggregateTimeout  time.Duration
	ExecutionDeadline time.Duration

	DefaultWindowDays int
	FlagThreshold     float64

	Workers   int
	QueueSize int
	DLQSize   int

	Retry backoff.Policy
}

// DefaultConfig returns the step budgets used in production.
func DefaultConfig() Config {
	return Config{
		ExtractTimeout:    60 * time.Second,
		ReasonerTimeout:   30 * time.Second,
		AggregateTimeout:  5 * time.Second,
		ExecutionDeadline: 180 * time.Second,
		DefaultWindowDays: 30,
		FlagThreshold:     0.5,
		Workers:           4,
		QueueSize:         64,
		DLQSize:           128,
		Retry:             backoff.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = d.ExtractTimeout
	}
	if c.ReasonerTimeout <= 0 {
		c.ReasonerTimeout = d.ReasonerTimeout
	}
	if c.AggregateTimeout <= 0 {
		c.AggregateTimeout = d.AggregateTimeout
	}
	if c.ExecutionDeadline <= 0 {
		c.ExecutionDeadline = d.ExecutionDeadline
	}
	if c.DefaultWindowDays < 1 {
		c.DefaultWindowDays = d.DefaultWindowDays
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = d.FlagThreshold
	}
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.QueueSize < 1 {
		c.QueueSize = d.QueueSize
	}
	if c.DLQSize < 1 {
		c.DLQSize = d.DLQSize
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry = d.Retry
	}
	return c
}

// Deps bundles everything the pipeline touches. All fields except
// Metrics and Publisher are required.
type Deps struct {
	Objects   storage.ObjectStore
	Vision    vision.Provider
	Reasoner  reasoning.Provider
	Pricing   *pricing.Registry
	Refs      *refstore.Store
	Store     persistence.Store
	Publisher events.Publisher
	Metrics   *telemetry.MetricsRegistry
	Rates     fusion.RateTable
}

// Pipeline executes one valuation run at a time; the Executor fans it
// out across workers.
type Pipeline struct {
	deps    Deps
	config  Config
	metrics *telemetry.MetricsRegistry
	now     func() time.Time
}

// New builds a pipeline. A nil Publisher falls back to the log
// publisher; a nil Metrics gets a private registry.
func New(deps Deps, config Config) *Pipeline {
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetricsRegistry()
	}
	return &Pipeline{
		deps:    deps,
		config:  config.withDefaults(),
		metrics: deps.Metrics,
		now:     time.Now,
	}
}
