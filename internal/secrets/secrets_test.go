package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("CARDLENS_VISION_API_KEY", "vk-123")

	p := NewEnvProvider("cardlens")
	secret, err := p.GetSecret(context.Background(), "vision.api-key")
	require.NoError(t, err)
	assert.Equal(t, "vk-123", secret.String())
	assert.Equal(t, "CARDLENS_VISION_API_KEY", secret.Metadata["env_key"])

	_, err = p.GetSecret(context.Background(), "missing.key")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing.key", notFound.Key)
}

func TestSecretRedact(t *testing.T) {
	s := &Secret{Key: "reasoning.api_key", Value: []byte("rk-456")}
	r := s.Redact()
	assert.Equal(t, "[REDACTED]", string(r.Value))
	assert.Equal(t, "rk-456", s.String(), "original untouched")
}

type countingProvider struct {
	inner Provider
	calls int
}

func (p *countingProvider) GetSecret(ctx context.Context, key string) (*Secret, error) {
	p.calls++
	return p.inner.GetSecret(ctx, key)
}

func TestCache(t *testing.T) {
	backing := &countingProvider{inner: NewStaticProvider(map[string]string{
		"pricing.ebay.token": "ek-789",
	})}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewCache(backing, time.Minute)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		secret, err := cache.GetSecret(ctx, "pricing.ebay.token")
		require.NoError(t, err)
		assert.Equal(t, "ek-789", secret.String())
	}
	assert.Equal(t, 1, backing.calls, "hits served from cache")

	now = now.Add(2 * time.Minute)
	_, err := cache.GetSecret(ctx, "pricing.ebay.token")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.calls, "expired entry refetches")

	// Failures are not cached.
	_, err = cache.GetSecret(ctx, "absent")
	require.Error(t, err)
	_, err = cache.GetSecret(ctx, "absent")
	require.Error(t, err)
	assert.Equal(t, 4, backing.calls)

	cache.Invalidate("pricing.ebay.token")
	_, err = cache.GetSecret(ctx, "pricing.ebay.token")
	require.NoError(t, err)
	assert.Equal(t, 5, backing.calls)
}
