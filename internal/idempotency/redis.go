package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cardlens/cardlens/internal/domain"
)

// RedisStore implements TokenStore on redis. Conditional creation is a
// single SET NX; expiry rides on the native TTL so stale tokens vanish
// without a sweeper.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps a client. ttl is the token lifetime.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func tokenKey(subject, key string) string {
	return "idem:" + subject + ":" + key
}

func lockKey(subject, resource string) string {
	return "lock:" + subject + ":" + resource
}

func (s *RedisStore) Get(ctx context.Context, subject, key string) (*Token, error) {
	raw, err := s.client.Get(ctx, tokenKey(subject, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency get: %v", domain.ErrDataLayer, err)
	}
	var tok Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("%w: idempotency decode: %v", domain.ErrDataLayer, err)
	}
	return &tok, nil
}

func (s *RedisStore) PutInProgress(ctx context.Context, subject, key, operation string) (bool, error) {
	tok := Token{Operation: operation, Status: StatusInProgress, CreatedAt: s.now().UTC()}
	raw, err := json.Marshal(tok)
	if err != nil {
		return false, fmt.Errorf("%w: idempotency encode: %v", domain.ErrDataLayer, err)
	}
	created, err := s.client.SetNX(ctx, tokenKey(subject, key), raw, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: idempotency create: %v", domain.ErrDataLayer, err)
	}
	return created, nil
}

func (s *RedisStore) Complete(ctx context.Context, subject, key string, httpStatus int, body []byte) error {
	existing, err := s.Get(ctx, subject, key)
	if err != nil {
		return err
	}
	tok := Token{Status: StatusCompleted, HTTPStatus: httpStatus, Body: body, CreatedAt: s.now().UTC()}
	if existing != nil {
		tok.Operation = existing.Operation
		tok.CreatedAt = existing.CreatedAt
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("%w: idempotency encode: %v", domain.ErrDataLayer, err)
	}
	if err := s.client.Set(ctx, tokenKey(subject, key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: idempotency complete: %v", domain.ErrDataLayer, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, subject, key string) error {
	if err := s.client.Del(ctx, tokenKey(subject, key)).Err(); err != nil {
		return fmt.Errorf("%w: idempotency delete: %v", domain.ErrDataLayer, err)
	}
	return nil
}

func (s *RedisStore) AcquireLock(ctx context.Context, subject, resource string, ttl time.Duration) (bool, error) {
	taken, err := s.client.SetNX(ctx, lockKey(subject, resource), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire lock: %v", domain.ErrDataLayer, err)
	}
	return taken, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, subject, resource string) error {
	if err := s.client.Del(ctx, lockKey(subject, resource)).Err(); err != nil {
		return fmt.Errorf("%w: release lock: %v", domain.ErrDataLayer, err)
	}
	return nil
}
