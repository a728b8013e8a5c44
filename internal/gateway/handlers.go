package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/pipeline"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var mimeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

type presignRequest struct {
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed body: %v", domain.ErrValidation, err))
		return
	}
	if !s.mimeAllowed(req.MimeType) {
		writeError(w, r, fmt.Errorf("%w: %s", domain.ErrUnsupportedMedia, req.MimeType))
		return
	}
	if req.SizeBytes <= 0 || req.SizeBytes > s.config.MaxUploadBytes {
		writeError(w, r, fmt.Errorf("%w: %d bytes exceeds limit %d", domain.ErrPayloadTooLarge, req.SizeBytes, s.config.MaxUploadBytes))
		return
	}

	key := fmt.Sprintf("uploads/%s/%s.%s", subjectFrom(r), uuid.NewString(), mimeExtensions[req.MimeType])
	writeJSON(w, http.StatusOK, s.deps.Presigner.Sign(key, s.config.PresignTTL))
}

func (s *Server) mimeAllowed(mimeType string) bool {
	for _, allowed := range s.config.AllowedMime {
		if mimeType == allowed {
			return true
		}
	}
	return false
}

// handleUpload accepts the presigned PUT. The signature is the
// authorization; no bearer token is required.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	query := r.URL.Query()
	if err := s.deps.Presigner.Verify(r.Method, key, query.Get("expires"), query.Get("sig")); err != nil {
		writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxUploadBytes+1))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read upload: %v", domain.ErrValidation, err))
		return
	}
	if int64(len(body)) > s.config.MaxUploadBytes {
		writeError(w, r, fmt.Errorf("%w: upload exceeds %d bytes", domain.ErrPayloadTooLarge, s.config.MaxUploadBytes))
		return
	}
	if err := s.deps.Objects.Put(r.Context(), key, body); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

type createCardRequest struct {
	FrontKey    string                  `json:"frontKey"`
	BackKey     *string                 `json:"backKey,omitempty"`
	Descriptors *domain.CardDescriptors `json:"descriptors,omitempty"`
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	subject := subjectFrom(r)

	var req createCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed body: %v", domain.ErrValidation, err))
		return
	}
	if err := s.checkOwnedKey(r, subject, req.FrontKey); err != nil {
		writeError(w, r, err)
		return
	}
	if req.BackKey != nil {
		if err := s.checkOwnedKey(r, subject, *req.BackKey); err != nil {
			writeError(w, r, err)
			return
		}
	}

	now := s.now().UTC()
	card := &domain.Card{
		CardID:    uuid.NewString(),
		Subject:   subject,
		FrontKey:  req.FrontKey,
		BackKey:   req.BackKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Descriptors != nil {
		applyDescriptors(card, *req.Descriptors)
	}
	if err := s.deps.Store.CreateCard(r.Context(), card); err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("card_id", card.CardID).Msg("Card created")
	writeJSON(w, http.StatusCreated, card)
}

// checkOwnedKey rejects keys outside the subject's upload prefix and
// keys with no uploaded object behind them.
func (s *Server) checkOwnedKey(r *http.Request, subject, key string) error {
	if !strings.HasPrefix(key, "uploads/"+subject+"/") {
		return fmt.Errorf("%w: key %q is not owned by caller", domain.ErrValidation, key)
	}
	if _, err := s.deps.Objects.Get(r.Context(), key); err != nil {
		return fmt.Errorf("%w: no object at key %q", domain.ErrValidation, key)
	}
	return nil
}

func applyDescriptors(card *domain.Card, desc domain.CardDescriptors) {
	if desc.Name != nil {
		card.Name = desc.Name
	}
	if desc.Set != nil {
		card.Set = desc.Set
	}
	if desc.Number != nil {
		card.Number = desc.Number
	}
	if desc.Rarity != nil {
		card.Rarity = desc.Rarity
	}
	if desc.Type != nil {
		card.Type = desc.Type
	}
	if desc.ConditionEstimate != nil {
		card.ConditionEstimate = desc.ConditionEstimate
	}
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed limit %q", domain.ErrValidation, raw))
			return
		}
		limit = parsed
	}
	page, err := s.deps.Store.ListCards(r.Context(), subjectFrom(r), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.deps.Store.GetCard(r.Context(), subjectFrom(r), mux.Vars(r)["cardId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var desc domain.CardDescriptors
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed body: %v", domain.ErrValidation, err))
		return
	}
	card, err := s.deps.Store.UpdateDescriptors(r.Context(), subjectFrom(r), mux.Vars(r)["cardId"], desc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteCard(r.Context(), subjectFrom(r), mux.Vars(r)["cardId"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed limit %q", domain.ErrValidation, raw))
			return
		}
		limit = parsed
	}
	snapshots, err := s.deps.Store.ListSnapshots(r.Context(), subjectFrom(r), mux.Vars(r)["cardId"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": snapshots})
}

type revalueRequest struct {
	WindowDays int `json:"windowDays,omitempty"`
}

type revalueResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
}

func (s *Server) handleRevalue(w http.ResponseWriter, r *http.Request) {
	subject := subjectFrom(r)
	cardID := mux.Vars(r)["cardId"]

	var req revalueRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed body: %v", domain.ErrValidation, err))
			return
		}
	}
	if req.WindowDays < 0 || req.WindowDays > 365 {
		writeError(w, r, fmt.Errorf("%w: windowDays %d outside [1,365]", domain.ErrValidation, req.WindowDays))
		return
	}

	if _, err := s.deps.Store.GetCard(r.Context(), subject, cardID); err != nil {
		writeError(w, r, err)
		return
	}

	lockResource := "revalue:" + cardID
	locked, err := s.deps.Tokens.AcquireLock(r.Context(), subject, lockResource, s.config.RevalueLockTTL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !locked {
		writeProblem(w, r, http.StatusConflict, problemInProgress, "a revaluation for this card is already in progress")
		return
	}

	executionID := uuid.NewString()
	rec := &domain.ExecutionRecord{
		ExecutionID: executionID,
		CardID:      cardID,
		Subject:     subject,
		State:       domain.ExecQueued,
		StartedAt:   s.now().UTC(),
	}
	if err := s.deps.Store.PutExecution(r.Context(), rec); err != nil {
		s.releaseRevalueLock(subject, lockResource)
		writeError(w, r, err)
		return
	}

	watch, cancelWatch := s.deps.Executor.Watch(executionID)
	if err := s.deps.Executor.Submit(pipeline.Job{
		ExecutionID: executionID,
		Subject:     subject,
		CardID:      cardID,
		WindowDays:  req.WindowDays,
	}); err != nil {
		cancelWatch()
		s.releaseRevalueLock(subject, lockResource)
		writeError(w, r, err)
		return
	}

	// Free the lock once the execution settles; the TTL is the
	// backstop if the process dies first.
	go func() {
		defer cancelWatch()
		for change := range watch {
			if change.State.Terminal() {
				break
			}
		}
		s.releaseRevalueLock(subject, lockResource)
	}()

	writeJSON(w, http.StatusAccepted, revalueResponse{ExecutionID: executionID, Status: string(domain.ExecQueued)})
}

func (s *Server) releaseRevalueLock(subject, resource string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Tokens.ReleaseLock(ctx, subject, resource); err != nil {
		log.Warn().Str("resource", resource).Err(err).Msg("Revalue lock release failed")
	}
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetExecution(r.Context(), subjectFrom(r), mux.Vars(r)["executionId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAnalyticsTop(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	set := query.Get("set")
	rarity := query.Get("rarity")
	if set == "" || rarity == "" {
		writeError(w, r, fmt.Errorf("%w: set and rarity are required", domain.ErrValidation))
		return
	}
	limit := 10
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, r, fmt.Errorf("%w: limit %q outside [1,100]", domain.ErrValidation, raw))
			return
		}
		limit = parsed
	}

	cards, err := s.deps.Store.TopBySetRarity(r.Context(), set, rarity, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": cards})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	// Subjects see only their own dead letters.
	subject := subjectFrom(r)
	letters := s.deps.Executor.DeadLetters()
	filtered := make([]pipeline.DeadLetter, 0, len(letters))
	for _, letter := range letters {
		if letter.Record.Subject == subject {
			filtered = append(filtered, letter)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": filtered})
}
