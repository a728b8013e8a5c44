package secrets

import (
	"context"
	"sync"
	"time"
)

// Cache wraps a Provider with an expiring in-memory cache so hot paths
// do not hit the backing provider on every call. Lookup failures are
// not cached.
type Cache struct {
	provider Provider
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	secret    *Secret
	expiresAt time.Time
}

// NewCache wraps provider. ttl <= 0 falls back to five minutes.
func NewCache(provider Provider, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		provider: provider,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
		now:      time.Now,
	}
}

func (c *Cache) GetSecret(ctx context.Context, key string) (*Secret, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expiresAt) {
		secret := entry.secret
		c.mu.Unlock()
		return secret, nil
	}
	c.mu.Unlock()

	secret, err := c.provider.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{secret: secret, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return secret, nil
}

// Invalidate drops a cached entry, forcing the next read through.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
