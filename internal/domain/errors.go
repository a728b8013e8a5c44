package domain

import "errors"

// Error kinds surfaced by the service. The gateway maps these onto
// problem-details responses; the pipeline uses them to decide between
// retry, fallback and terminal failure.
var (
	ErrValidation       = errors.New("validation failed")
	ErrAuthRequired     = errors.New("authentication required")
	ErrAuthDenied       = errors.New("authorization denied")
	ErrNotFound         = errors.New("not found")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")

	// ErrProviderTransient marks a provider failure that is worth retrying.
	// After the retry budget is exhausted a step converts it into
	// ErrProviderPermanent.
	ErrProviderTransient = errors.New("provider transient failure")
	ErrProviderPermanent = errors.New("provider permanent failure")

	ErrDataLayer = errors.New("data layer failure")
	ErrTimeout   = errors.New("timeout")

	// ErrDecode is returned by the hash engine for unreadable image bytes.
	ErrDecode = errors.New("image decode failed")
)

// Retryable reports whether err should be retried under the step retry
// policy. Context cancellation is never retryable.
func Retryable(err error) bool {
	if errors.Is(err, ErrProviderTransient) || errors.Is(err, ErrRateLimited) {
		return true
	}
	return errors.Is(err, ErrTimeout)
}
