package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process TokenStore used by tests and local
// dev. Expiry is checked lazily on read.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]memEntry
	locks  map[string]time.Time
	now    func() time.Time
}

type memEntry struct {
	token     Token
	expiresAt time.Time
}

// NewMemoryStore returns an empty store with the given token TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &MemoryStore{
		ttl:    ttl,
		tokens: make(map[string]memEntry),
		locks:  make(map[string]time.Time),
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, subject, key string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[tokenKey(subject, key)]
	if !ok || s.now().After(entry.expiresAt) {
		delete(s.tokens, tokenKey(subject, key))
		return nil, nil
	}
	tok := entry.token
	return &tok, nil
}

func (s *MemoryStore) PutInProgress(_ context.Context, subject, key, operation string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tokenKey(subject, key)
	if entry, ok := s.tokens[k]; ok && s.now().Before(entry.expiresAt) {
		return false, nil
	}
	s.tokens[k] = memEntry{
		token:     Token{Operation: operation, Status: StatusInProgress, CreatedAt: s.now().UTC()},
		expiresAt: s.now().Add(s.ttl),
	}
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, subject, key string, httpStatus int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tokenKey(subject, key)
	tok := Token{Status: StatusCompleted, HTTPStatus: httpStatus, Body: body, CreatedAt: s.now().UTC()}
	if entry, ok := s.tokens[k]; ok {
		tok.Operation = entry.token.Operation
		tok.CreatedAt = entry.token.CreatedAt
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	tok.Body = cp
	s.tokens[k] = memEntry{token: tok, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, subject, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenKey(subject, key))
	return nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, subject, resource string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey(subject, resource)
	if until, ok := s.locks[k]; ok && s.now().Before(until) {
		return false, nil
	}
	s.locks[k] = s.now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, subject, resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey(subject, resource))
	return nil
}
