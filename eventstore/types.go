// Package eventstore implements the append-only event-sourced persistence
// layer: per-aggregate optimistic concurrency, snapshots, a global log
// cursor for projections, and checksum-verified reads (spec §3/§4.5).
//
// This package replaces the teacher's generic checkpoint-oriented
// Store[S any] (graph/store) with a fixed, non-generic EventEnvelope model:
// checkpoints answer "what is the latest state", while an event store
// answers "what happened, in what order, and can I prove nothing was lost
// or reordered" — a materially different contract, so the interface and
// every backend below are rewritten rather than adapted line-by-line.
package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventMetadata carries the reserved correlation/causation/provenance
// fields plus free-form tags and custom data (spec §3 EventEnvelope).
type EventMetadata struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Custom        map[string]string `json:"custom,omitempty"`
}

// EventEnvelope is the canonical, immutable record written to the store.
//
// Invariants (spec §3): (AggregateID, AggregateVersion) is globally unique;
// within an aggregate, versions form the sequence 1..N with no gaps;
// RecordedAt >= OccurredAt; once appended, an envelope is never mutated.
type EventEnvelope struct {
	EventID          uuid.UUID       `json:"event_id"`
	AggregateID      uuid.UUID       `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	EventType        string          `json:"event_type"`
	AggregateVersion int64           `json:"aggregate_version"`
	EventData        json.RawMessage `json:"event_data"`
	Metadata         EventMetadata   `json:"metadata"`
	OccurredAt       time.Time       `json:"occurred_at"`
	RecordedAt       time.Time       `json:"recorded_at"`
	SchemaVersion    int32           `json:"schema_version"`
	Checksum         string          `json:"checksum,omitempty"`

	// Position is the envelope's place in the global log cursor, assigned
	// by the store on append. Zero until appended.
	Position int64 `json:"position"`
}

// ComputeChecksum derives the integrity checksum over the fields spec §4.5
// names: (event_id, aggregate_id, version, event_type, schema_version,
// event_data). Every store fills an empty Checksum with this value on
// append; VerifyChecksum recomputes and compares on read.
func (e *EventEnvelope) ComputeChecksum() string {
	h := sha256.New()
	h.Write([]byte(e.EventID.String()))
	h.Write([]byte(e.AggregateID.String()))
	var verBuf [8]byte
	for i := 0; i < 8; i++ {
		verBuf[i] = byte(e.AggregateVersion >> (8 * (7 - i)))
	}
	h.Write(verBuf[:])
	h.Write([]byte(e.EventType))
	var svBuf [4]byte
	for i := 0; i < 4; i++ {
		svBuf[i] = byte(e.SchemaVersion >> (8 * (3 - i)))
	}
	h.Write(svBuf[:])
	h.Write(e.EventData)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChecksum reports whether the envelope's stored Checksum (if any)
// matches its recomputed value. An envelope with no checksum always
// verifies, per spec §4.5 ("when present, reads verify it").
func (e *EventEnvelope) VerifyChecksum() bool {
	if e.Checksum == "" {
		return true
	}
	return e.Checksum == e.ComputeChecksum()
}

// AggregateSnapshot is an advisory point-in-time materialisation of an
// aggregate's state, used to shortcut replay (spec §3). The store must
// still be able to rebuild from events alone; snapshots are never the
// sole source of truth.
type AggregateSnapshot struct {
	AggregateID      uuid.UUID       `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion int64           `json:"aggregate_version"`
	State            json.RawMessage `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
}
