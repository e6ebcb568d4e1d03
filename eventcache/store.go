package eventcache

import (
	"context"

	"github.com/google/uuid"

	"github.com/cortexflow/engine/eventstore"
)

// CachedEventStore wraps an eventstore.EventStore with the two-tier cache,
// read-through on cacheable query shapes and write-invalidate on every
// mutating call (original_source: CachedEventStore, corrected per spec §9
// to actually invalidate rather than leave the call site empty).
type CachedEventStore struct {
	inner eventstore.EventStore
	cache *Cache
}

// NewCachedEventStore wraps inner with a cache built from cfg.
func NewCachedEventStore(inner eventstore.EventStore, cfg Config) *CachedEventStore {
	return &CachedEventStore{inner: inner, cache: New(cfg)}
}

// Statistics exposes the underlying cache's hit/miss counters.
func (c *CachedEventStore) Statistics() Statistics {
	return c.cache.GetStatistics()
}

func (c *CachedEventStore) invalidateAggregate(aggregateID uuid.UUID) {
	c.cache.Invalidate(aggregateID.String())
	c.cache.InvalidatePosition()
}

// AppendEvent implements eventstore.EventStore.
func (c *CachedEventStore) AppendEvent(ctx context.Context, env eventstore.EventEnvelope) (eventstore.EventEnvelope, error) {
	out, err := c.inner.AppendEvent(ctx, env)
	if err == nil {
		c.invalidateAggregate(env.AggregateID)
		c.cache.InvalidateCorrelation(env.Metadata.CorrelationID)
	}
	return out, err
}

// AppendEvents implements eventstore.EventStore.
func (c *CachedEventStore) AppendEvents(ctx context.Context, envs []eventstore.EventEnvelope) ([]eventstore.EventEnvelope, error) {
	out, err := c.inner.AppendEvents(ctx, envs)
	if err == nil {
		seen := make(map[uuid.UUID]bool, len(envs))
		for _, env := range envs {
			if !seen[env.AggregateID] {
				seen[env.AggregateID] = true
				c.invalidateAggregate(env.AggregateID)
			}
			c.cache.InvalidateCorrelation(env.Metadata.CorrelationID)
		}
	}
	return out, err
}

// GetEvents implements eventstore.EventStore with read-through caching.
func (c *CachedEventStore) GetEvents(ctx context.Context, aggregateID uuid.UUID) ([]eventstore.EventEnvelope, error) {
	key := AggregateEventsKey(aggregateID)
	if v, ok := c.cache.Get(key); ok {
		return v.([]eventstore.EventEnvelope), nil
	}
	events, err := c.inner.GetEvents(ctx, aggregateID)
	if err == nil {
		c.cache.Put(key, events)
	}
	return events, err
}

// GetEventsFromVersion implements eventstore.EventStore with read-through
// caching.
func (c *CachedEventStore) GetEventsFromVersion(ctx context.Context, aggregateID uuid.UUID, fromVersion int64) ([]eventstore.EventEnvelope, error) {
	key := AggregateEventsFromVersionKey(aggregateID, fromVersion)
	if v, ok := c.cache.Get(key); ok {
		return v.([]eventstore.EventEnvelope), nil
	}
	events, err := c.inner.GetEventsFromVersion(ctx, aggregateID, fromVersion)
	if err == nil {
		c.cache.Put(key, events)
	}
	return events, err
}

// GetEventsByType implements eventstore.EventStore; time-range/type scans
// bypass the cache per spec §4.6 (unbounded result set relative to key
// specificity).
func (c *CachedEventStore) GetEventsByType(ctx context.Context, eventType string, from, to int64, limit int) ([]eventstore.EventEnvelope, error) {
	return c.inner.GetEventsByType(ctx, eventType, from, to, limit)
}

// GetEventsByCorrelationID implements eventstore.EventStore with
// read-through caching.
func (c *CachedEventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventstore.EventEnvelope, error) {
	key := CorrelationKey(correlationID)
	if v, ok := c.cache.Get(key); ok {
		return v.([]eventstore.EventEnvelope), nil
	}
	events, err := c.inner.GetEventsByCorrelationID(ctx, correlationID)
	if err == nil {
		c.cache.Put(key, events)
	}
	return events, err
}

// AggregateVersion implements eventstore.EventStore with read-through
// caching.
func (c *CachedEventStore) AggregateVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	key := AggregateVersionKey(aggregateID)
	if v, ok := c.cache.Get(key); ok {
		return v.(int64), nil
	}
	version, err := c.inner.AggregateVersion(ctx, aggregateID)
	if err == nil {
		c.cache.Put(key, version)
	}
	return version, err
}

// AggregateExists implements eventstore.EventStore, reusing the cached
// version lookup where possible.
func (c *CachedEventStore) AggregateExists(ctx context.Context, aggregateID uuid.UUID) (bool, error) {
	if v, ok := c.cache.Get(AggregateVersionKey(aggregateID)); ok {
		return v.(int64) > 0, nil
	}
	return c.inner.AggregateExists(ctx, aggregateID)
}

// SaveSnapshot implements eventstore.EventStore. On success the
// aggregate's cached entries are invalidated (its version/events may now
// have a newer advisory baseline) and, when the cache's WriteThrough
// setting is on, the new snapshot is then written into the cache.
func (c *CachedEventStore) SaveSnapshot(ctx context.Context, snap eventstore.AggregateSnapshot) error {
	err := c.inner.SaveSnapshot(ctx, snap)
	if err == nil {
		c.invalidateAggregate(snap.AggregateID)
		if c.cache.cfg.WriteThrough {
			c.cache.Put(SnapshotKey(snap.AggregateID), snap)
		}
	}
	return err
}

// GetSnapshot implements eventstore.EventStore with read-through caching.
func (c *CachedEventStore) GetSnapshot(ctx context.Context, aggregateID uuid.UUID, maxVersion int64) (eventstore.AggregateSnapshot, error) {
	key := SnapshotKey(aggregateID)
	if maxVersion <= 0 {
		if v, ok := c.cache.Get(key); ok {
			return v.(eventstore.AggregateSnapshot), nil
		}
	}
	snap, err := c.inner.GetSnapshot(ctx, aggregateID, maxVersion)
	if err == nil && maxVersion <= 0 {
		c.cache.Put(key, snap)
	}
	return snap, err
}

// GetEventsFromPosition implements eventstore.EventStore; position-cursor
// range scans bypass the cache per spec §4.6.
func (c *CachedEventStore) GetEventsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]eventstore.EventEnvelope, error) {
	return c.inner.GetEventsFromPosition(ctx, fromPosition, limit)
}

// GetCurrentPosition implements eventstore.EventStore with read-through
// caching; every append invalidates this entry since it changes on every
// write.
func (c *CachedEventStore) GetCurrentPosition(ctx context.Context) (int64, error) {
	key := CurrentPositionKey()
	if v, ok := c.cache.Get(key); ok {
		return v.(int64), nil
	}
	pos, err := c.inner.GetCurrentPosition(ctx)
	if err == nil {
		c.cache.Put(key, pos)
	}
	return pos, err
}

// ReplayEvents implements eventstore.EventStore; replay scans bypass the
// cache per spec §4.6.
func (c *CachedEventStore) ReplayEvents(ctx context.Context, fromPosition int64, eventTypes []string, batchSize int, fn func([]eventstore.EventEnvelope) error) error {
	return c.inner.ReplayEvents(ctx, fromPosition, eventTypes, batchSize, fn)
}

// CleanupOldSnapshots implements eventstore.EventStore and clears the
// whole cache afterward since it can no longer identify which aggregates
// were affected cheaply.
func (c *CachedEventStore) CleanupOldSnapshots(ctx context.Context) (int, error) {
	n, err := c.inner.CleanupOldSnapshots(ctx)
	if err == nil && n > 0 {
		c.cache.Clear()
	}
	return n, err
}

// GetAggregateIDsByType implements eventstore.EventStore; bypasses the
// cache per spec §4.6.
func (c *CachedEventStore) GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	return c.inner.GetAggregateIDsByType(ctx, aggregateType)
}

// OptimizeStorage implements eventstore.EventStore.
func (c *CachedEventStore) OptimizeStorage(ctx context.Context) error {
	return c.inner.OptimizeStorage(ctx)
}

// Close implements eventstore.EventStore.
func (c *CachedEventStore) Close() error {
	return c.inner.Close()
}
