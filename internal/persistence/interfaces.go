// Package persistence defines the single-table storage contracts for
// cards, valuation snapshots and execution records.
package persistence

import (
	"context"

	"github.com/cardlens/cardlens/internal/domain"
)

// Item key shapes for the single logical table.
//
//	Card      PK USER#{subject}  SK CARD#{cardId}
//	Snapshot  PK USER#{subject}  SK PRICE#{RFC3339 ts}#{cardId}
//	Execution PK USER#{subject}  SK EXEC#{executionId}
//
// Idempotency tokens live in the idempotency package; their TTL
// semantics fit the key-value store better than the table.

// Page is one cursor-bounded slice of a listing.
type Page struct {
	Cards      []domain.Card `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// CardStore is the card and snapshot repository. Every operation is
// subject-scoped: callers cannot reach another subject's rows.
type CardStore interface {
	CreateCard(ctx context.Context, card *domain.Card) error
	GetCard(ctx context.Context, subject, cardID string) (*domain.Card, error)
	// ListCards returns cards ordered by creation time (the BY_CREATED
	// index), newest first.
	ListCards(ctx context.Context, subject, cursor string, limit int) (*Page, error)
	DeleteCard(ctx context.Context, subject, cardID string) error
	UpdateDescriptors(ctx context.Context, subject, cardID string, desc domain.CardDescriptors) (*domain.Card, error)

	// WriteValuation appends the immutable snapshot and refreshes the
	// owning card's cached-latest fields in one atomic write group.
	WriteValuation(ctx context.Context, snapshot *domain.Snapshot, conditionEstimate *string) error
	ListSnapshots(ctx context.Context, subject, cardID string, limit int) ([]domain.Snapshot, error)

	// TopBySetRarity serves analytics over the BY_SET_RARITY index,
	// ordered by cached median value descending.
	TopBySetRarity(ctx context.Context, set, rarity string, limit int) ([]domain.Card, error)
}

// ExecutionStore records pipeline runs.
type ExecutionStore interface {
	PutExecution(ctx context.Context, rec *domain.ExecutionRecord) error
	GetExecution(ctx context.Context, subject, executionID string) (*domain.ExecutionRecord, error)
}

// Store is the full persistence surface the service composes over.
type Store interface {
	CardStore
	ExecutionStore
}
