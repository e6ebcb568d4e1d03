package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cortexflow/engine/errs"
)

// SQLiteStore is a SQLite-backed EventStore (teacher: graph/store/sqlite.go
// SQLiteStore[S], rewritten around the events/snapshots schema instead of
// workflow_steps/workflow_checkpoints).
//
// Schema:
//   - events: append-only envelope rows, one per (aggregate_id, version).
//   - snapshots: advisory per-aggregate snapshots.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed event store
// at path, in WAL mode with a busy timeout, matching the teacher's
// single-writer connection pool configuration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			position INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			aggregate_version INTEGER NOT NULL,
			event_data BLOB NOT NULL,
			metadata BLOB NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			schema_version INTEGER NOT NULL,
			checksum TEXT,
			UNIQUE(aggregate_id, aggregate_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(json_extract(metadata, '$.correlation_id'))`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_version INTEGER NOT NULL,
			state BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (aggregate_id, aggregate_version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent implements EventStore.
func (s *SQLiteStore) AppendEvent(ctx context.Context, env EventEnvelope) (EventEnvelope, error) {
	out, err := s.AppendEvents(ctx, []EventEnvelope{env})
	if err != nil {
		return EventEnvelope{}, err
	}
	return out[0], nil
}

// AppendEvents implements EventStore inside a single transaction so the
// batch is all-or-nothing.
func (s *SQLiteStore) AppendEvents(ctx context.Context, envs []EventEnvelope) ([]EventEnvelope, error) {
	if len(envs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	aggregateID := envs[0].AggregateID
	var current int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`, aggregateID.String())
	if err := row.Scan(&current); err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}

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
		metaBytes, err := json.Marshal(env.Metadata)
		if err != nil {
			return nil, &errs.SerialisationError{Message: "marshal event metadata", Cause: err}
		}
		if env.Checksum == "" {
			env.Checksum = env.ComputeChecksum()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, aggregate_version,
				event_data, metadata, occurred_at, recorded_at, schema_version, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			env.EventID.String(), env.AggregateID.String(), env.AggregateType, env.EventType, env.AggregateVersion,
			[]byte(env.EventData), metaBytes, env.OccurredAt, env.RecordedAt, env.SchemaVersion, env.Checksum)
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read inserted position: %w", err)
		}
		env.Position = pos
		out[i] = env
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func scanEnvelope(row interface {
	Scan(dest ...any) error
}) (EventEnvelope, error) {
	var env EventEnvelope
	var eventID, aggregateID, checksum sql.NullString
	var metaBytes, dataBytes []byte
	if err := row.Scan(&env.Position, &eventID, &aggregateID, &env.AggregateType, &env.EventType,
		&env.AggregateVersion, &dataBytes, &metaBytes, &env.OccurredAt, &env.RecordedAt,
		&env.SchemaVersion, &checksum); err != nil {
		return EventEnvelope{}, err
	}
	id, err := uuid.Parse(eventID.String)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("parse event id: %w", err)
	}
	env.EventID = id
	aggID, err := uuid.Parse(aggregateID.String)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("parse aggregate id: %w", err)
	}
	env.AggregateID = aggID
	env.EventData = json.RawMessage(dataBytes)
	env.Checksum = checksum.String
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &env.Metadata); err != nil {
			return EventEnvelope{}, &errs.SerialisationError{Message: "unmarshal event metadata", Cause: err}
		}
	}
	if !env.VerifyChecksum() {
		return EventEnvelope{}, &errs.ChecksumMismatch{EventID: env.EventID.String()}
	}
	return env, nil
}

const selectEventColumns = `position, event_id, aggregate_id, aggregate_type, event_type, aggregate_version,
	event_data, metadata, occurred_at, recorded_at, schema_version, checksum`

func (s *SQLiteStore) queryEnvelopes(ctx context.Context, query string, args ...any) ([]EventEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EventEnvelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// GetEvents implements EventStore.
func (s *SQLiteStore) GetEvents(ctx context.Context, aggregateID uuid.UUID) ([]EventEnvelope, error) {
	return s.GetEventsFromVersion(ctx, aggregateID, 1)
}

// GetEventsFromVersion implements EventStore.
func (s *SQLiteStore) GetEventsFromVersion(ctx context.Context, aggregateID uuid.UUID, fromVersion int64) ([]EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE aggregate_id = ? AND aggregate_version >= ? ORDER BY aggregate_version ASC`, selectEventColumns)
	return s.queryEnvelopes(ctx, query, aggregateID.String(), fromVersion)
}

// GetEventsByType implements EventStore.
func (s *SQLiteStore) GetEventsByType(ctx context.Context, eventType string, from, to int64, limit int) ([]EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE event_type = ?`, selectEventColumns)
	args := []any{eventType}
	if from > 0 {
		query += ` AND recorded_at >= ?`
		args = append(args, time.Unix(0, from))
	}
	if to > 0 {
		query += ` AND recorded_at <= ?`
		args = append(args, time.Unix(0, to))
	}
	query += ` ORDER BY recorded_at ASC, event_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryEnvelopes(ctx, query, args...)
}

// GetEventsByCorrelationID implements EventStore.
func (s *SQLiteStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE json_extract(metadata, '$.correlation_id') = ? ORDER BY recorded_at ASC`, selectEventColumns)
	return s.queryEnvelopes(ctx, query, correlationID)
}

// AggregateVersion implements EventStore.
func (s *SQLiteStore) AggregateVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	var v int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`, aggregateID.String())
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// AggregateExists implements EventStore.
func (s *SQLiteStore) AggregateExists(ctx context.Context, aggregateID uuid.UUID) (bool, error) {
	v, err := s.AggregateVersion(ctx, aggregateID)
	return v > 0, err
}

// SaveSnapshot implements EventStore.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap AggregateSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, aggregate_version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_id, aggregate_version) DO UPDATE SET state = excluded.state, created_at = excluded.created_at`,
		snap.AggregateID.String(), snap.AggregateType, snap.AggregateVersion, []byte(snap.State), snap.CreatedAt)
	return err
}

// GetSnapshot implements EventStore.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, aggregateID uuid.UUID, maxVersion int64) (AggregateSnapshot, error) {
	query := `SELECT aggregate_id, aggregate_type, aggregate_version, state, created_at FROM snapshots WHERE aggregate_id = ?`
	args := []any{aggregateID.String()}
	if maxVersion > 0 {
		query += ` AND aggregate_version <= ?`
		args = append(args, maxVersion)
	}
	query += ` ORDER BY aggregate_version DESC LIMIT 1`

	var snap AggregateSnapshot
	var aggID string
	var state []byte
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&aggID, &snap.AggregateType, &snap.AggregateVersion, &state, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return AggregateSnapshot{}, ErrNotFound
		}
		return AggregateSnapshot{}, err
	}
	id, err := uuid.Parse(aggID)
	if err != nil {
		return AggregateSnapshot{}, err
	}
	snap.AggregateID = id
	snap.State = json.RawMessage(state)
	return snap, nil
}

// GetEventsFromPosition implements EventStore.
func (s *SQLiteStore) GetEventsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE position >= ? ORDER BY position ASC`, selectEventColumns)
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryEnvelopes(ctx, query, fromPosition)
}

// GetCurrentPosition implements EventStore.
func (s *SQLiteStore) GetCurrentPosition(ctx context.Context) (int64, error) {
	var pos int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`)
	if err := row.Scan(&pos); err != nil {
		return 0, err
	}
	return pos, nil
}

// ReplayEvents implements EventStore.
func (s *SQLiteStore) ReplayEvents(ctx context.Context, fromPosition int64, eventTypes []string, batchSize int, fn func([]EventEnvelope) error) error {
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
		batch, err := s.GetEventsFromPosition(ctx, pos, batchSize)
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
func (s *SQLiteStore) CleanupOldSnapshots(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE (aggregate_id, aggregate_version) NOT IN (
			SELECT aggregate_id, MAX(aggregate_version) FROM snapshots GROUP BY aggregate_id
		)`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetAggregateIDsByType implements EventStore.
func (s *SQLiteStore) GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT aggregate_id FROM events WHERE aggregate_type = ?`, aggregateType)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// OptimizeStorage implements EventStore by running VACUUM.
func (s *SQLiteStore) OptimizeStorage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

// Close implements EventStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
