// Package refstore loads authentic reference hashes for named cards
// from object storage.
package refstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/storage"
)

// Reference is one authentic fingerprint for a card, optionally pinned
// to a print variant or set.
type Reference struct {
	CardName string `json:"cardName"`
	Hash     string `json:"hash"`
	Variant  string `json:"variant,omitempty"`
	Set      string `json:"set,omitempty"`
}

// Store reads references from the `refs/` area of the object store.
type Store struct {
	objects storage.ObjectStore
}

// New wraps an object store.
func New(objects storage.ObjectStore) *Store {
	return &Store{objects: objects}
}

// Prefix returns the object-key prefix for a card name. The name is
// normalized then URL-safe encoded so arbitrary names stay within one
// path segment.
func Prefix(cardName string) string {
	return "refs/" + url.PathEscape(domain.NormalizeCardName(cardName)) + "/"
}

// Load returns all parseable references under the card's prefix. A
// missing prefix is an empty result, not an error; individual corrupt
// objects are logged and skipped.
func (s *Store) Load(ctx context.Context, cardName string) ([]Reference, error) {
	prefix := Prefix(cardName)
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list references %s: %w", prefix, err)
	}

	refs := make([]Reference, 0, len(keys))
	parseFailures := 0
	for _, key := range keys {
		data, err := s.objects.Get(ctx, key)
		if err != nil {
			parseFailures++
			log.Warn().Err(err).Str("key", key).Msg("reference object unreadable, skipping")
			continue
		}
		var ref Reference
		if err := json.Unmarshal(data, &ref); err != nil || ref.Hash == "" {
			parseFailures++
			log.Warn().Str("key", key).Msg("reference object unparseable, skipping")
			continue
		}
		refs = append(refs, ref)
	}

	if len(keys) > 0 && len(refs) == 0 && parseFailures > 0 {
		return nil, fmt.Errorf("%w: no reference under %s parsed", domain.ErrProviderPermanent, prefix)
	}
	return refs, nil
}

// Hashes is a convenience projection of Load.
func (s *Store) Hashes(ctx context.Context, cardName string) ([]string, error) {
	refs, err := s.Load(ctx, cardName)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(refs))
	for i, r := range refs {
		hashes[i] = r.Hash
	}
	return hashes, nil
}

// Cached memoizes loads for the life of one execution so the parallel
// branches never refetch the same prefix.
type Cached struct {
	store *Store

	mu     sync.Mutex
	loaded map[string][]Reference
}

// NewCached wraps a store with a per-execution cache.
func NewCached(store *Store) *Cached {
	return &Cached{store: store, loaded: make(map[string][]Reference)}
}

// Load returns the cached result when present, loading otherwise.
// Failed loads are not cached so a retry can still succeed.
func (c *Cached) Load(ctx context.Context, cardName string) ([]Reference, error) {
	key := domain.NormalizeCardName(cardName)

	c.mu.Lock()
	if refs, ok := c.loaded[key]; ok {
		c.mu.Unlock()
		return refs, nil
	}
	c.mu.Unlock()

	refs, err := c.store.Load(ctx, cardName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.loaded[key] = refs
	c.mu.Unlock()
	return refs, nil
}
