package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "cardlens.events"

// RedisPublisher fans events out over redis pub/sub. Consumers that
// are not subscribed at publish time miss the event; durable history
// lives in the snapshot table, not on the bus.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewRedisPublisher wraps a client. channel falls back to DefaultChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, now: time.Now}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", domain.ErrDataLayer, err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrDataLayer, ev.Type, err)
	}
	log.Debug().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Str("card_id", ev.CardID).
		Msg("Event published")
	return nil
}
