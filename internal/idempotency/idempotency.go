// Package idempotency binds caller-supplied keys to the outcome of
// mutating operations, and owns the per-card revalue lock.
package idempotency

import (
	"context"
	"time"
)

// Token statuses.
const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

// Token is the per-(subject, key) record. For completed tokens the
// cached response is replayed verbatim.
type Token struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Body       []byte    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TokenStore is the conditional-create token contract. Uniqueness is
// per subject: the same key under two subjects is independent.
type TokenStore interface {
	// Get returns nil, nil when no token exists.
	Get(ctx context.Context, subject, key string) (*Token, error)
	// PutInProgress conditionally creates an in-progress token and
	// reports whether this caller won the create.
	PutInProgress(ctx context.Context, subject, key, operation string) (bool, error)
	// Complete stores the successful response for replay.
	Complete(ctx context.Context, subject, key string, httpStatus int, body []byte) error
	// Delete drops the placeholder so a failed call can be retried
	// with the same key.
	Delete(ctx context.Context, subject, key string) error

	// AcquireLock takes the named per-subject lock if free; used to
	// refuse concurrent revalues of one card.
	AcquireLock(ctx context.Context, subject, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, subject, resource string) error
}
