package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/cortexflow/engine/errs"
)

// MySQLStore is a MySQL-backed EventStore (teacher: graph/store/mysql.go
// MySQLStore[S], rewritten around the events/snapshots schema). Intended
// for multi-process deployments where SQLiteStore's single-writer
// connection pool would serialise unrelated aggregates' writes.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn and ensures the
// required schema exists.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			position BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id CHAR(36) NOT NULL,
			aggregate_id CHAR(36) NOT NULL,
			aggregate_type VARCHAR(128) NOT NULL,
			event_type VARCHAR(128) NOT NULL,
			aggregate_version BIGINT NOT NULL,
			event_data JSON NOT NULL,
			metadata JSON NOT NULL,
			occurred_at DATETIME(6) NOT NULL,
			recorded_at DATETIME(6) NOT NULL,
			schema_version INT NOT NULL,
			checksum VARCHAR(64),
			UNIQUE KEY uq_event_id (event_id),
			UNIQUE KEY uq_aggregate_version (aggregate_id, aggregate_version),
			KEY idx_event_type (event_type, recorded_at),
			KEY idx_aggregate_id (aggregate_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			aggregate_id CHAR(36) NOT NULL,
			aggregate_type VARCHAR(128) NOT NULL,
			aggregate_version BIGINT NOT NULL,
			state JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (aggregate_id, aggregate_version)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent implements EventStore.
func (s *MySQLStore) AppendEvent(ctx context.Context, env EventEnvelope) (EventEnvelope, error) {
	out, err := s.AppendEvents(ctx, []EventEnvelope{env})
	if err != nil {
		return EventEnvelope{}, err
	}
	return out[0], nil
}

// AppendEvents implements EventStore inside a single transaction with a
// row lock on the aggregate's current max version, so concurrent appenders
// to the same aggregate serialise rather than both observing a stale
// "current version" (teacher: graph/store/mysql.go transaction pattern).
func (s *MySQLStore) AppendEvents(ctx context.Context, envs []EventEnvelope) ([]EventEnvelope, error) {
	if len(envs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	aggregateID := envs[0].AggregateID
	var current sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT MAX(aggregate_version) FROM events WHERE aggregate_id = ? FOR UPDATE`, aggregateID.String())
	if err := row.Scan(&current); err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}
	currentVersion := current.Int64

	expected := currentVersion + 1
	for _, env := range envs {
		if env.AggregateID != aggregateID {
			return nil, &errs.ValidationError{Message: "AppendEvents: batch spans more than one aggregate"}
		}
		if env.AggregateVersion != expected {
			return nil, &errs.ConcurrencyConflict{
				AggregateID:     aggregateID.String(),
				ExpectedVersion: expected,
				ActualVersion:   currentVersion,
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

func (s *MySQLStore) queryEnvelopes(ctx context.Context, query string, args ...any) ([]EventEnvelope, error) {
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
func (s *MySQLStore) GetEvents(ctx context.Context, aggregateID uuid.UUID) ([]EventEnvelope, error) {
	return s.GetEventsFromVersion(ctx, aggregateID, 1)
}

// GetEventsFromVersion implements EventStore.
func (s *MySQLStore) GetEventsFromVersion(ctx context.Context, aggregateID uuid.UUID, fromVersion int64) ([]EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE aggregate_id = ? AND aggregate_version >= ? ORDER BY aggregate_version ASC`, selectEventColumns)
	return s.queryEnvelopes(ctx, query, aggregateID.String(), fromVersion)
}

// GetEventsByType implements EventStore.
func (s *MySQLStore) GetEventsByType(ctx context.Context, eventType string, from, to int64, limit int) ([]EventEnvelope, error) {
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
func (s *MySQLStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE JSON_UNQUOTE(JSON_EXTRACT(metadata, '$.correlation_id')) = ? ORDER BY recorded_at ASC`, selectEventColumns)
	return s.queryEnvelopes(ctx, query, correlationID)
}

// AggregateVersion implements EventStore.
func (s *MySQLStore) AggregateVersion(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	var v int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_id = ?`, aggregateID.String())
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// AggregateExists implements EventStore.
func (s *MySQLStore) AggregateExists(ctx context.Context, aggregateID uuid.UUID) (bool, error) {
	v, err := s.AggregateVersion(ctx, aggregateID)
	return v > 0, err
}

// SaveSnapshot implements EventStore.
func (s *MySQLStore) SaveSnapshot(ctx context.Context, snap AggregateSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, aggregate_version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state), created_at = VALUES(created_at)`,
		snap.AggregateID.String(), snap.AggregateType, snap.AggregateVersion, []byte(snap.State), snap.CreatedAt)
	return err
}

// GetSnapshot implements EventStore.
func (s *MySQLStore) GetSnapshot(ctx context.Context, aggregateID uuid.UUID, maxVersion int64) (AggregateSnapshot, error) {
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
func (s *MySQLStore) GetEventsFromPosition(ctx context.Context, fromPosition int64, limit int) ([]EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE position >= ? ORDER BY position ASC`, selectEventColumns)
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return s.queryEnvelopes(ctx, query, fromPosition)
}

// GetCurrentPosition implements EventStore.
func (s *MySQLStore) GetCurrentPosition(ctx context.Context) (int64, error) {
	var pos int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`)
	if err := row.Scan(&pos); err != nil {
		return 0, err
	}
	return pos, nil
}

// ReplayEvents implements EventStore.
func (s *MySQLStore) ReplayEvents(ctx context.Context, fromPosition int64, eventTypes []string, batchSize int, fn func([]EventEnvelope) error) error {
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
func (s *MySQLStore) CleanupOldSnapshots(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE s1 FROM snapshots s1
		JOIN snapshots s2
			ON s1.aggregate_id = s2.aggregate_id AND s2.aggregate_version > s1.aggregate_version`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetAggregateIDsByType implements EventStore.
func (s *MySQLStore) GetAggregateIDsByType(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
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

// OptimizeStorage implements EventStore by running OPTIMIZE TABLE.
func (s *MySQLStore) OptimizeStorage(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `OPTIMIZE TABLE events, snapshots`)
	return err
}

// Close implements EventStore.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
