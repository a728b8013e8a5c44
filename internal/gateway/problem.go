package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
)

// Problem is the RFC 7807 error body every failure is rendered as.
// Type is a stable slug per error kind so clients can branch without
// parsing detail text.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Problem type slugs. The in-progress variant distinguishes a racing
// idempotent retry from other conflicts.
const (
	problemValidation       = "/problems/validation"
	problemAuthRequired     = "/problems/auth-required"
	problemAuthDenied       = "/problems/auth-denied"
	problemNotFound         = "/problems/not-found"
	problemConflict         = "/problems/conflict"
	problemInProgress       = "/problems/conflict/in-progress"
	problemPayloadTooLarge  = "/problems/payload-too-large"
	problemUnsupportedMedia = "/problems/unsupported-media"
	problemRateLimited      = "/problems/rate-limited"
	problemTimeout          = "/problems/timeout"
	problemProvider         = "/problems/provider"
	problemInternal         = "/problems/internal"
)

// statusFor maps domain error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAuthDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrProviderTransient), errors.Is(err, domain.ErrProviderPermanent):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// kindFor maps domain error kinds onto problem type slugs.
func kindFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return problemValidation
	case errors.Is(err, domain.ErrAuthRequired):
		return problemAuthRequired
	case errors.Is(err, domain.ErrAuthDenied):
		return problemAuthDenied
	case errors.Is(err, domain.ErrNotFound):
		return problemNotFound
	case errors.Is(err, domain.ErrConflict):
		return problemConflict
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return problemPayloadTooLarge
	case errors.Is(err, domain.ErrUnsupportedMedia):
		return problemUnsupportedMedia
	case errors.Is(err, domain.ErrRateLimited):
		return problemRateLimited
	case errors.Is(err, domain.ErrTimeout):
		return problemTimeout
	case errors.Is(err, domain.ErrProviderTransient), errors.Is(err, domain.ErrProviderPermanent):
		return problemProvider
	default:
		return problemInternal
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		// Internals stay in the log, not the response.
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		detail = ""
	}
	writeProblem(w, r, status, kindFor(err), detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      kind,
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: requestIDFrom(r),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
