// Package eventcache implements the two-tier read-through cache that sits
// in front of an eventstore.EventStore (spec §4.6), grounded on
// original_source's caching.rs MultiTierCache/CacheKey/CacheConfig, with
// one deliberate correction: that reference's write path left cache
// invalidation as an unimplemented stub ("cache invalidation logic would
// go here"); every write path here actually calls Invalidate.
package eventcache

import (
	"fmt"

	"github.com/google/uuid"
)

// keyKind discriminates CacheKey variants (original_source: the CacheKey
// enum's discriminant).
type keyKind int

const (
	kindAggregateEvents keyKind = iota
	kindAggregateEventsFromVersion
	kindAggregateVersion
	kindSnapshot
	kindCurrentPosition
	kindCorrelation
)

// CacheKey is a typed, hashable cache key covering exactly the bounded
// query shapes spec §4.6 names as cacheable: by-aggregate,
// by-aggregate-from-version, by-aggregate-version, by-snapshot,
// current-position, and by-correlation-id. List/range queries (events by
// type, by position, replay) are intentionally not representable here —
// spec §4.6 requires they bypass the cache since their result sets are
// unbounded relative to key specificity.
type CacheKey struct {
	kind          keyKind
	aggregateID   uuid.UUID
	fromVersion   int64
	correlationID string
}

// AggregateEventsKey addresses the full event history of one aggregate.
func AggregateEventsKey(aggregateID uuid.UUID) CacheKey {
	return CacheKey{kind: kindAggregateEvents, aggregateID: aggregateID}
}

// AggregateEventsFromVersionKey addresses one aggregate's events at or
// after fromVersion.
func AggregateEventsFromVersionKey(aggregateID uuid.UUID, fromVersion int64) CacheKey {
	return CacheKey{kind: kindAggregateEventsFromVersion, aggregateID: aggregateID, fromVersion: fromVersion}
}

// AggregateVersionKey addresses one aggregate's current version.
func AggregateVersionKey(aggregateID uuid.UUID) CacheKey {
	return CacheKey{kind: kindAggregateVersion, aggregateID: aggregateID}
}

// SnapshotKey addresses one aggregate's latest snapshot.
func SnapshotKey(aggregateID uuid.UUID) CacheKey {
	return CacheKey{kind: kindSnapshot, aggregateID: aggregateID}
}

// CurrentPositionKey addresses the store's global log cursor.
func CurrentPositionKey() CacheKey {
	return CacheKey{kind: kindCurrentPosition}
}

// CorrelationKey addresses all events sharing a correlation id.
func CorrelationKey(correlationID string) CacheKey {
	return CacheKey{kind: kindCorrelation, correlationID: correlationID}
}

// String renders a stable, unique textual form used as the underlying LRU
// map key.
func (k CacheKey) String() string {
	switch k.kind {
	case kindAggregateEvents:
		return fmt.Sprintf("agg:%s", k.aggregateID)
	case kindAggregateEventsFromVersion:
		return fmt.Sprintf("aggv:%s:%d", k.aggregateID, k.fromVersion)
	case kindAggregateVersion:
		return fmt.Sprintf("ver:%s", k.aggregateID)
	case kindSnapshot:
		return fmt.Sprintf("snap:%s", k.aggregateID)
	case kindCurrentPosition:
		return "pos"
	case kindCorrelation:
		return fmt.Sprintf("corr:%s", k.correlationID)
	default:
		return "unknown"
	}
}

// aggregateScoped reports whether this key is invalidated when aggregateID
// changes (spec §4.6/§10: AppendEvent/AppendEvents/SaveSnapshot invalidate
// every key variant that could include the written aggregate).
func (k CacheKey) aggregateScoped(aggregateID uuid.UUID) bool {
	switch k.kind {
	case kindAggregateEvents, kindAggregateEventsFromVersion, kindAggregateVersion, kindSnapshot:
		return k.aggregateID == aggregateID
	default:
		return false
	}
}
