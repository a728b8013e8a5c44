// Package secrets resolves provider credentials (vision, reasoning,
// pricing API keys) without baking them into config files.
package secrets

import (
	"context"
	"fmt"
	"time"
)

// Secret is a resolved credential with metadata.
type Secret struct {
	Key       string            `json:"key"`
	Value     []byte            `json:"-"` // never serialized
	Metadata  map[string]string `json:"metadata,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// String returns the secret value as a string.
func (s *Secret) String() string {
	return string(s.Value)
}

// Redact returns a copy safe for logging.
func (s *Secret) Redact() *Secret {
	redacted := *s
	if len(redacted.Value) > 0 {
		redacted.Value = []byte("[REDACTED]")
	}
	return &redacted
}

// Provider retrieves secrets by key.
type Provider interface {
	GetSecret(ctx context.Context, key string) (*Secret, error)
}

// NotFoundError reports a key the provider could not resolve.
type NotFoundError struct {
	Key      string
	Provider string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %q not found in provider %q", e.Key, e.Provider)
}
