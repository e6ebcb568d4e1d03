package eventstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested aggregate, event, or snapshot
// does not exist.
var ErrNotFound = errors.New("eventstore: not found")

// EventStore is the append-only, optimistically-concurrent persistence
// contract from spec §4.5. All methods are safe for concurrent use;
// writes to distinct aggregates proceed independently, while writes to the
// same aggregate serialise on the optimistic-concurrency check.
type EventStore interface {
	// AppendEvent appends a single envelope. env.AggregateVersion must be
	// exactly one greater than the aggregate's current version (0 for a
	// brand new aggregate); otherwise a *errs.ConcurrencyConflict is
	// returned and the store is left unchanged.
	AppendEvent(ctx context.Context, env EventEnvelope) (EventEnvelope, error)

	// AppendEvents appends a batch atomically: either every envelope in
	// envs is visible afterward, or none are (spec §9 property 2). The
	// batch's versions must form a contiguous block starting one past the
	// aggregate's current version.
	AppendEvents(ctx context.Context, envs []EventEnvelope) ([]EventEnvelope, error)

	// GetEvents returns every envelope for aggregateID in strictly
	// increasing AggregateVersion order.
	GetEvents(ctx context.Context, aggregateID uuid.UUID) ([]EventEnvelope, error)

	// GetEventsFromVersion returns aggregateID's envelopes with version >=
	// fromVersion, in increasing order.
	GetEventsFromVersion(ctx context.Context, aggregateID uuid.UUID, fromVersion int64) ([]EventEnvelope, error)

	// GetEventsByType performs a time-range query across all aggregates of
	// eventType, ordered by (RecordedAt, EventID). A zero from/to bound is
	// unbounded on that side; limit <= 0 means unbounded.
	GetEventsByType(ctx context.Context, eventType string, from, to int64, limit int) ([]EventEnvelope, error)

	// GetEventsByCorrelationID returns every envelope sharing the given
	// correlation id, in RecordedAt order.
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]EventEnvelope, error)

	// AggregateVersion returns the current (highest) version recorded for
	// aggregateID, or 0 if the aggregate has no events.
	AggregateVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error)

	// AggregateExists reports whether any event has been recorded for
	// aggregateID.
	AggregateExists(ctx context.Context, aggregateID uuid.UUID) (bool, error)

	// SaveSnapshot stores (or replaces) the advisory snapshot for an
	// aggregate at a given version.
	SaveSnapshot(ctx context.Context, snap AggregateSnapshot) error

	// GetSnapshot returns the most recent snapshot at or below
	// maxVersion (maxVersion <= 0 means "latest available"), or
	// ErrNotFound if none exists.
	GetSnapshot(ctx context.Context, aggregateID uuid.UUID, maxVersion int64) (AggregateSnapshot, error)

	// GetEventsFromPosition returns up to limit envelopes at or after the
	// given global log position, ordered by Position, for projection
	// catch-up and replay.
	GetEventsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]EventEnvelope, error)

	// GetCurrentPosition returns the highest assigned global log
	// position, or 0 if the store is empty.
	GetCurrentPosition(ctx context.Context) (int64, error)

	// ReplayEvents streams batches of batchSize envelopes starting from
	// fromPosition, optionally filtered to eventTypes, invoking fn for
	// each batch in order. fn returning an error stops the replay and
	// that error is returned.
	ReplayEvents(ctx context.Context, fromPosition int64, eventTypes []string, batchSize int, fn func([]EventEnvelope) error) error

	// CleanupOldSnapshots removes snapshots at a version strictly below
	// the aggregate's most recent snapshot, keeping only the latest per
	// aggregate. Returns the number of snapshots removed.
	CleanupOldSnapshots(ctx context.Context) (int, error)

	// GetAggregateIDsByType returns every distinct aggregate id that has
	// at least one event of aggregateType.
	GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]uuid.UUID, error)

	// OptimizeStorage gives the backend an opportunity to compact or
	// reclaim space (e.g. SQLite VACUUM, MySQL OPTIMIZE TABLE). A no-op
	// for backends with nothing to optimise.
	OptimizeStorage(ctx context.Context) error

	// Close releases any held resources (connections, file handles).
	Close() error
}
