package eventcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cortexflow/engine/eventcache"
	"github.com/cortexflow/engine/eventstore"
)

func TestCacheReadThroughOnMiss(t *testing.T) {
	aggregateID := uuid.New()
	c := eventcache.New(eventcache.DefaultConfig())

	if _, ok := c.Get(eventcache.AggregateVersionKey(aggregateID)); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.Put(eventcache.AggregateVersionKey(aggregateID), int64(3))

	v, ok := c.Get(eventcache.AggregateVersionKey(aggregateID))
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	if v.(int64) != 3 {
		t.Errorf("got %v, want 3", v)
	}

	stats := c.GetStatistics()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestCacheInvalidateRemovesEveryAggregateScopedKey(t *testing.T) {
	aggregateID := uuid.New()
	other := uuid.New()
	c := eventcache.New(eventcache.DefaultConfig())

	c.Put(eventcache.AggregateVersionKey(aggregateID), int64(1))
	c.Put(eventcache.AggregateEventsKey(aggregateID), []eventstore.EventEnvelope{})
	c.Put(eventcache.SnapshotKey(aggregateID), eventstore.AggregateSnapshot{AggregateID: aggregateID})
	c.Put(eventcache.AggregateVersionKey(other), int64(9))

	c.Invalidate(aggregateID.String())

	if _, ok := c.Get(eventcache.AggregateVersionKey(aggregateID)); ok {
		t.Errorf("version key should be invalidated")
	}
	if _, ok := c.Get(eventcache.AggregateEventsKey(aggregateID)); ok {
		t.Errorf("events key should be invalidated")
	}
	if _, ok := c.Get(eventcache.SnapshotKey(aggregateID)); ok {
		t.Errorf("snapshot key should be invalidated")
	}
	if v, ok := c.Get(eventcache.AggregateVersionKey(other)); !ok || v.(int64) != 9 {
		t.Errorf("unrelated aggregate's cache entry should survive invalidation")
	}
}

// TestCachedEventStoreInvalidatesOnAppend exercises the exact defect spec §9
// calls out in original_source: a write must actually evict stale reads,
// not merely leave a comment saying it should.
func TestCachedEventStoreInvalidatesOnAppend(t *testing.T) {
	ctx := context.Background()
	aggregateID := uuid.New()

	inner := eventstore.NewMemoryStore()
	cached := eventcache.NewCachedEventStore(inner, eventcache.DefaultConfig())

	env := eventstore.EventEnvelope{
		EventID:          uuid.New(),
		AggregateID:      aggregateID,
		AggregateType:    "workflow_instance",
		EventType:        "workflow_created",
		AggregateVersion: 1,
		OccurredAt:       time.Now().UTC(),
		RecordedAt:       time.Now().UTC(),
		SchemaVersion:    1,
	}
	if _, err := cached.AppendEvent(ctx, env); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	version, err := cached.AggregateVersion(ctx, aggregateID)
	if err != nil {
		t.Fatalf("AggregateVersion: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}

	env2 := env
	env2.EventID = uuid.New()
	env2.AggregateVersion = 2
	if _, err := cached.AppendEvent(ctx, env2); err != nil {
		t.Fatalf("AppendEvent v2: %v", err)
	}

	version, err = cached.AggregateVersion(ctx, aggregateID)
	if err != nil {
		t.Fatalf("AggregateVersion after second append: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2 (the cached value from before the second append leaked through)", version)
	}
}

func TestRedisTierRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	tier := eventcache.NewRedisTier(client, "test:eventcache:", time.Minute)
	ctx := context.Background()
	aggregateID := uuid.New()
	key := eventcache.AggregateEventsKey(aggregateID)

	if _, ok, err := tier.GetEvents(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	events := []eventstore.EventEnvelope{{
		EventID:       uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: "workflow_instance",
		EventType:     "workflow_created",
	}}
	if err := tier.PutEvents(ctx, key, events); err != nil {
		t.Fatalf("PutEvents: %v", err)
	}

	got, ok, err := tier.GetEvents(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0].EventID != events[0].EventID {
		t.Fatalf("got %+v, want %+v", got, events)
	}

	if err := tier.Invalidate(ctx, aggregateID.String()); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := tier.GetEvents(ctx, key); ok {
		t.Fatalf("expected miss after invalidate")
	}
}
