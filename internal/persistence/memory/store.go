// Package memory is the in-memory persistence.Store used by tests and
// local development. Semantics mirror the postgres store, including
// the atomic valuation write group.
package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/persistence"
)

// Store keeps everything behind one mutex; good enough for the
// concurrency the tests exercise.
type Store struct {
	mu         sync.RWMutex
	cards      map[string]map[string]*domain.Card     // subject -> cardID
	snapshots  map[string][]domain.Snapshot           // subject -> ordered oldest first
	executions map[string]map[string]*domain.ExecutionRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		cards:      make(map[string]map[string]*domain.Card),
		snapshots:  make(map[string][]domain.Snapshot),
		executions: make(map[string]map[string]*domain.ExecutionRecord),
	}
}

func (s *Store) CreateCard(_ context.Context, card *domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.cards[card.Subject]
	if byID == nil {
		byID = make(map[string]*domain.Card)
		s.cards[card.Subject] = byID
	}
	if _, exists := byID[card.CardID]; exists {
		return fmt.Errorf("%w: card %s exists", domain.ErrConflict, card.CardID)
	}
	cp := *card
	byID[card.CardID] = &cp
	return nil
}

func (s *Store) GetCard(_ context.Context, subject, cardID string) (*domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(subject, cardID)
}

func (s *Store) getLocked(subject, cardID string) (*domain.Card, error) {
	if card, ok := s.cards[subject][cardID]; ok {
		cp := *card
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
}

func (s *Store) ListCards(_ context.Context, subject, cursor string, limit int) (*persistence.Page, error) {
	if limit < 1 || limit > 100 {
		return nil, fmt.Errorf("%w: limit %d outside [1,100]", domain.ErrValidation, limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Card, 0, len(s.cards[subject]))
	for _, c := range s.cards[subject] {
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].CardID > all[j].CardID
	})

	start := 0
	if cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
		}
		afterID := string(raw)
		for i, c := range all {
			if c.CardID == afterID {
				start = i + 1
				break
			}
		}
	}

	page := &persistence.Page{Cards: []domain.Card{}}
	for i := start; i < len(all) && len(page.Cards) < limit; i++ {
		page.Cards = append(page.Cards, all[i])
	}
	if start+len(page.Cards) < len(all) && len(page.Cards) > 0 {
		last := page.Cards[len(page.Cards)-1]
		page.NextCursor = base64.RawURLEncoding.EncodeToString([]byte(last.CardID))
	}
	return page, nil
}

func (s *Store) DeleteCard(_ context.Context, subject, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[subject][cardID]; !ok {
		return fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	delete(s.cards[subject], cardID)
	return nil
}

func (s *Store) UpdateDescriptors(_ context.Context, subject, cardID string, desc domain.CardDescriptors) (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[subject][cardID]
	if !ok {
		return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
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
	card.UpdatedAt = time.Now().UTC()
	cp := *card
	return &cp, nil
}

func (s *Store) WriteValuation(_ context.Context, snapshot *domain.Snapshot, conditionEstimate *string) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[snapshot.Subject][snapshot.CardID]
	if !ok {
		return fmt.Errorf("%w: card %s", domain.ErrNotFound, snapshot.CardID)
	}

	cp := *snapshot
	s.snapshots[snapshot.Subject] = append(s.snapshots[snapshot.Subject], cp)

	card.ValueLow = snapshot.ValueLow
	card.ValueMedian = snapshot.ValueMedian
	card.ValueHigh = snapshot.ValueHigh
	score := snapshot.AuthenticityScore
	card.AuthenticityScore = &score
	sigs := snapshot.AuthenticitySignals
	card.AuthenticitySignals = &sigs
	if conditionEstimate != nil {
		card.ConditionEstimate = conditionEstimate
	}
	card.UpdatedAt = snapshot.Timestamp
	return nil
}

func (s *Store) ListSnapshots(_ context.Context, subject, cardID string, limit int) ([]domain.Snapshot, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Snapshot
	all := s.snapshots[subject]
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].CardID == cardID {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Store) TopBySetRarity(_ context.Context, set, rarity string, limit int) ([]domain.Card, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	wantSet := domain.NormalizeCardName(set)
	wantRarity := domain.NormalizeCardName(rarity)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Card
	for _, byID := range s.cards {
		for _, c := range byID {
			if c.Set == nil || c.Rarity == nil || c.ValueMedian == nil {
				continue
			}
			if domain.NormalizeCardName(*c.Set) != wantSet || domain.NormalizeCardName(*c.Rarity) != wantRarity {
				continue
			}
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if *out[i].ValueMedian != *out[j].ValueMedian {
			return *out[i].ValueMedian > *out[j].ValueMedian
		}
		return strings.Compare(out[i].CardID, out[j].CardID) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PutExecution(_ context.Context, rec *domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.executions[rec.Subject]
	if byID == nil {
		byID = make(map[string]*domain.ExecutionRecord)
		s.executions[rec.Subject] = byID
	}
	cp := *rec
	byID[rec.ExecutionID] = &cp
	return nil
}

func (s *Store) GetExecution(_ context.Context, subject, executionID string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.executions[subject][executionID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
}
