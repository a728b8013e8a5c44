package gateway

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/idempotency"
)

// idempotent wraps a mutating handler with the token discipline:
// completed tokens replay the stored response verbatim, in-progress
// tokens answer 409, 2xx outcomes are recorded, non-2xx outcomes free
// the key for retry.
func (s *Server) idempotent(operation string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			writeError(w, r, fmt.Errorf("%w: Idempotency-Key header required", domain.ErrValidation))
			return
		}
		subject := subjectFrom(r)

		token, err := s.deps.Tokens.Get(r.Context(), subject, key)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if token != nil {
			switch token.Status {
			case idempotency.StatusCompleted:
				s.deps.Metrics.RecordIdempotency(operation, "replay")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(token.HTTPStatus)
				_, _ = w.Write(token.Body)
			case idempotency.StatusInProgress:
				s.deps.Metrics.RecordIdempotency(operation, "in_progress")
				writeProblem(w, r, http.StatusConflict, problemInProgress, "request with this idempotency key is in progress")
			}
			return
		}

		created, err := s.deps.Tokens.PutInProgress(r.Context(), subject, key, operation)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !created {
			// Lost the conditional create race.
			s.deps.Metrics.RecordIdempotency(operation, "race_lost")
			writeProblem(w, r, http.StatusConflict, problemInProgress, "request with this idempotency key is in progress")
			return
		}
		s.deps.Metrics.RecordIdempotency(operation, "accepted")

		buffer := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
		handler(buffer, r)

		if buffer.status >= 200 && buffer.status < 300 {
			if err := s.deps.Tokens.Complete(r.Context(), subject, key, buffer.status, buffer.body.Bytes()); err != nil {
				log.Error().Str("operation", operation).Err(err).Msg("Idempotency token completion failed")
			}
		} else {
			if err := s.deps.Tokens.Delete(r.Context(), subject, key); err != nil {
				log.Error().Str("operation", operation).Err(err).Msg("Idempotency token delete failed")
			}
		}
		buffer.flushTo(w)
	}
}

// bufferedResponse captures a handler's response so it can be stored
// before being sent.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if !b.wrote {
		b.status = status
		b.wrote = true
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
