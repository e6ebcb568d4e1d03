package eventcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cortexflow/engine/eventstore"
)

// RedisTier is an optional distributed L2 sitting behind the in-process L1
// LRU, for deployments that need cross-process cache sharing (spec §3
// domain stack, §5.6). It stores JSON-encoded payloads under a namespaced
// key and is invalidated through the same aggregate-scoped Invalidate path
// as the in-process cache.
type RedisTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTier wraps an existing *redis.Client. prefix namespaces every
// key this tier writes (e.g. "cortexflow:eventcache:").
func NewRedisTier(client *redis.Client, prefix string, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisTier) namespacedKey(key CacheKey) string {
	return r.prefix + key.String()
}

// GetEvents reads a cached aggregate event list from Redis.
func (r *RedisTier) GetEvents(ctx context.Context, key CacheKey) ([]eventstore.EventEnvelope, bool, error) {
	raw, err := r.client.Get(ctx, r.namespacedKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var events []eventstore.EventEnvelope
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached events: %w", err)
	}
	return events, true, nil
}

// PutEvents writes an aggregate event list to Redis under the tier's TTL.
func (r *RedisTier) PutEvents(ctx context.Context, key CacheKey, events []eventstore.EventEnvelope) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events for cache: %w", err)
	}
	return r.client.Set(ctx, r.namespacedKey(key), raw, r.ttl).Err()
}

// Invalidate removes every namespaced key Redis knows of for an aggregate.
// Since Redis has no secondary index of which keys belong to an
// aggregate, this scans by pattern (acceptable for the cache's bounded key
// space: at most a handful of variants per aggregate).
func (r *RedisTier) Invalidate(ctx context.Context, aggregateIDStr string) error {
	pattern := r.prefix + "*" + aggregateIDStr + "*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
