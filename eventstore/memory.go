package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cortexflow/engine/errs"
)

// MemoryStore is an in-memory EventStore, useful for tests and for
// workflows that don't need durability (teacher: graph/store/memory.go
// MemStore[S], rewritten around EventEnvelope's append-only/optimistic-
// concurrency contract instead of per-run checkpoint overwrites).
type MemoryStore struct {
	mu sync.Mutex

	// byAggregate holds every envelope for an aggregate, in append order
	// (which is also version order, since appends are sequential).
	byAggregate map[uuid.UUID][]EventEnvelope

	// all is every envelope ever appended, in Position order.
	all []EventEnvelope

	// snapshots holds every snapshot ever saved for an aggregate, newest
	// last.
	snapshots map[uuid.UUID][]AggregateSnapshot

	nextPosition int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAggregate: make(map[uuid.UUID][]EventEnvelope),
		snapshots:   make(map[uuid.UUID][]AggregateSnapshot),
	}
}

func (m *MemoryStore) currentVersionLocked(aggregateID uuid.UUID) int64 {
	events := m.byAggregate[aggregateID]
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].AggregateVersion
}

// AppendEvent implements EventStore.
func (m *MemoryStore) AppendEvent(ctx context.Context, env EventEnvelope) (EventEnvelope, error) {
	out, err := m.AppendEvents(ctx, []EventEnvelope{env})
	if err != nil {
		return EventEnvelope{}, err
	}
	return out[0], nil
}

// AppendEvents implements EventStore. The whole batch is validated before
// any mutation, so a conflict leaves the store exactly as it was (spec §9
// property 2).
func (m *MemoryStore) AppendEvents(ctx context.Context, envs []EventEnvelope) ([]EventEnvelope, error) {
	if len(envs) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	aggregateID := envs[0].AggregateID
	current := m.currentVersionLocked(aggregateID)
	expected := current + 1
	for _, env := range envs {
		if env.AggregateID != aggregateID {
			return nil, &errs.ValidationError{Message: "AppendEvents: batch spans more than one aggregate"}
		}
		if env.AggregateVersion != expected {
			return nil, &errs.ConcurrencyConflict{
				AggregateID:     aggregateID.String(),
				ExpectedVersion: expected,
				ActualVersion:   current,
			}
		}
		expected++
	}

	out := make([]EventEnvelope, len(envs))
	for i, env := range envs {
		m.nextPosition++
		env.Position = m.nextPosition
		if env.Checksum == "" {
			env.Checksum = env.ComputeChecksum()
		}
		m.byAggregate[aggregateID] = append(m.byAggregate[aggregateID], env)
		m.all = append(m.all, env)
		out[i] = env
	}
	return out, nil
}

// GetEvents implements EventStore.
func (m *MemoryStore) GetEvents(ctx context.Context, aggregateID uuid.UUID) ([]EventEnvelope, error) {
	return m.GetEventsFromVersion(ctx, aggregateID, 1)
}

// GetEventsFromVersion implements EventStore.
func (m *MemoryStore) GetEventsFromVersion(ctx context.Context, aggregateID uuid.UUID, fromVersion int64) ([]EventEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EventEnvelope
	for _, env := range m.byAggregate[aggregateID] {
		if env.AggregateVersion >= fromVersion {
			if !env.VerifyChecksum() {
				return nil, &errs.ChecksumMismatch{EventID: env.EventID.String()}
			}
			out = append(out, env)
		}
	}
	return out, nil
}

// GetEventsByType implements EventStore.
func (m *MemoryStore) GetEventsByType(ctx context.Context, eventType string, from, to int64, limit int) ([]EventEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EventEnvelope
	for _, env := range m.all {
		if env.EventType != eventType {
			continue
		}
		recorded := env.RecordedAt.UnixNano()
		if from > 0 && recorded < from {
			continue
		}
		if to > 0 && recorded > to {
			continue
		}
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].EventID.String() < out[j].EventID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetEventsByCorrelationID implements EventStore.
func (m *MemoryStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]EventEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EventEnvelope
	for _, env := range m.all {
		if env.Metadata.CorrelationID == correlationID {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// AggregateVersion implements EventStore.
func (m *MemoryStore) AggregateVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersionLocked(aggregateID), nil
}

// AggregateExists implements EventStore.
func (m *MemoryStore) AggregateExists(ctx context.Context, aggregateID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAggregate[aggregateID]) > 0, nil
}

// SaveSnapshot implements EventStore.
func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap AggregateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.AggregateID] = append(m.snapshots[snap.AggregateID], snap)
	return nil
}

// GetSnapshot implements EventStore.
func (m *MemoryStore) GetSnapshot(ctx context.Context, aggregateID uuid.UUID, maxVersion int64) (AggregateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[aggregateID]
	var best *AggregateSnapshot
	for i := range snaps {
		s := &snaps[i]
		if maxVersion > 0 && s.AggregateVersion > maxVersion {
			continue
		}
		if best == nil || s.AggregateVersion > best.AggregateVersion {
			best = s
		}
	}
	if best == nil {
		return AggregateSnapshot{}, ErrNotFound
	}
	return *best, nil
}

// GetEventsFromPosition implements EventStore.
func (m *MemoryStore) GetEventsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]EventEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EventEnvelope
	for _, env := range m.all {
		if env.Position >= fromPosition {
			out = append(out, env)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetCurrentPosition implements EventStore.
func (m *MemoryStore) GetCurrentPosition(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPosition, nil
}

// ReplayEvents implements EventStore.
func (m *MemoryStore) ReplayEvents(ctx context.Context, fromPosition int64, eventTypes []string, batchSize int, fn func([]EventEnvelope) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	typeSet := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	pos := fromPosition
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := m.GetEventsFromPosition(ctx, pos, batchSize)
		if err != nil {
			return err
		}
		if len(typeSet) > 0 {
			filtered := batch[:0:0]
			for _, env := range batch {
				if typeSet[env.EventType] {
					filtered = append(filtered, env)
				}
			}
			batch = filtered
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		pos = batch[len(batch)-1].Position + 1
	}
}

// CleanupOldSnapshots implements EventStore.
func (m *MemoryStore) CleanupOldSnapshots(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, snaps := range m.snapshots {
		if len(snaps) <= 1 {
			continue
		}
		latest := snaps[0]
		for _, s := range snaps[1:] {
			if s.AggregateVersion > latest.AggregateVersion {
				latest = s
			}
		}
		removed += len(snaps) - 1
		m.snapshots[id] = []AggregateSnapshot{latest}
	}
	return removed, nil
}

// GetAggregateIDsByType implements EventStore.
func (m *MemoryStore) GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for id, events := range m.byAggregate {
		if len(events) == 0 || events[0].AggregateType != aggregateType {
			continue
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// OptimizeStorage implements EventStore; a no-op for the in-memory backend.
func (m *MemoryStore) OptimizeStorage(ctx context.Context) error {
	return nil
}

// Close implements EventStore; a no-op for the in-memory backend.
func (m *MemoryStore) Close() error {
	return nil
}
