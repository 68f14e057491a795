package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookDeduper is a fast-path cache of processed provider event ids. The ledger's marker
// table stays authoritative; this only saves a database round trip on redeliveries.
type WebhookDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// RedisWebhookDeduper stores processed event ids in Redis with a TTL.
type RedisWebhookDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisWebhookDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWebhookDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:payouts"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}

	return &RedisWebhookDeduper{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (d *RedisWebhookDeduper) key(eventID string) string {
	return fmt.Sprintf("%s:webhook_event:%s", d.prefix, eventID)
}

func (d *RedisWebhookDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if d == nil || d.client == nil || strings.TrimSpace(eventID) == "" {
		return false, nil
	}
	count, err := d.client.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *RedisWebhookDeduper) Mark(ctx context.Context, eventID string) error {
	if d == nil || d.client == nil || strings.TrimSpace(eventID) == "" {
		return nil
	}
	return d.client.SetNX(ctx, d.key(eventID), time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
}
