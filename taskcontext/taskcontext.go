// Package taskcontext implements the per-instance carrier that flows
// through every node in a workflow execution.
//
// A TaskContext holds the workflow's immutable input payload, one output
// slot per completed node, and a free-form metadata bag. Node
// implementations never see one another directly; they only read and write
// through this type, which is the runtime's sole channel for node-to-node
// data flow (grounded on the node/state contract in the teacher's
// graph/node.go and graph/state.go, generalized from a caller-supplied
// generic state type to the spec's fixed node-output-map model).
package taskcontext

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexflow/engine/errs"
)

// TaskContext is the per-instance mutable state carrying inputs, per-node
// outputs, and metadata.
//
// Invariants:
//   - the input is set exactly once, at construction;
//   - a node's output entry is written at most once per node per
//     execution — retries overwrite the same key rather than appending;
//   - reads of a node's output are only meaningful after that node has
//     completed (GetNodeData returns ErrNodeOutputNotProduced otherwise).
type TaskContext struct {
	mu sync.RWMutex

	instanceID   uuid.UUID
	workflowType string
	input        json.RawMessage
	nodeOutputs  map[string]json.RawMessage
	metadata     map[string]any
	createdAt    time.Time
	updatedAt    time.Time
}

// New constructs a TaskContext with empty node-output and metadata maps.
// inputs is marshalled once into the immutable input payload; it must be
// JSON-serialisable.
func New(workflowType string, inputs any) (*TaskContext, error) {
	raw, err := json.Marshal(inputs)
	if err != nil {
		return nil, &errs.SerialisationError{Message: "marshal task context input", Cause: err}
	}
	now := time.Now().UTC()
	return &TaskContext{
		instanceID:   uuid.New(),
		workflowType: workflowType,
		input:        raw,
		nodeOutputs:  make(map[string]json.RawMessage),
		metadata:     make(map[string]any),
		createdAt:    now,
		updatedAt:    now,
	}, nil
}

// InstanceID returns the UUID identifying this execution.
func (tc *TaskContext) InstanceID() uuid.UUID {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.instanceID
}

// WorkflowType returns the workflow definition name this context belongs to.
func (tc *TaskContext) WorkflowType() string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.workflowType
}

// GetEventData deserialises the input payload into out, which must be a
// pointer. Shape mismatches return a typed *errs.ValidationError rather
// than a bare json error.
func (tc *TaskContext) GetEventData(out any) error {
	tc.mu.RLock()
	raw := tc.input
	tc.mu.RUnlock()

	if err := json.Unmarshal(raw, out); err != nil {
		return &errs.ValidationError{Message: "input payload does not match requested shape", Cause: err}
	}
	return nil
}

// UpdateNode stores a node's output under its own node id. Calling this
// again for the same id (e.g. on retry) overwrites the prior value rather
// than accumulating a history. UpdateNode bumps updated_at.
func (tc *TaskContext) UpdateNode(nodeID string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &errs.SerialisationError{Message: fmt.Sprintf("marshal output of node %q", nodeID), Cause: err}
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.nodeOutputs[nodeID] = raw
	tc.updatedAt = time.Now().UTC()
	return nil
}

// GetNodeData deserialises a prior node's output into out. Returns
// errs.ErrNodeOutputNotProduced (wrapped) if the node has not written an
// output yet. Reads never mutate the context.
func (tc *TaskContext) GetNodeData(nodeID string, out any) error {
	tc.mu.RLock()
	raw, ok := tc.nodeOutputs[nodeID]
	tc.mu.RUnlock()

	if !ok {
		return fmt.Errorf("node %q: %w", nodeID, errs.ErrNodeOutputNotProduced)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &errs.ValidationError{Message: fmt.Sprintf("output of node %q does not match requested shape", nodeID), Cause: err}
	}
	return nil
}

// HasNodeOutput reports whether nodeID has written an output yet, without
// deserialising it.
func (tc *TaskContext) HasNodeOutput(nodeID string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	_, ok := tc.nodeOutputs[nodeID]
	return ok
}

// SetMetadata stores an opaque metadata value under key.
func (tc *TaskContext) SetMetadata(key string, value any) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.metadata[key] = value
	tc.updatedAt = time.Now().UTC()
}

// GetMetadata retrieves a metadata value previously set under key.
func (tc *TaskContext) GetMetadata(key string) (any, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	v, ok := tc.metadata[key]
	return v, ok
}

// Snapshot is the portable, persistence-ready view produced by ToEvent.
type Snapshot struct {
	InstanceID   uuid.UUID                  `json:"instance_id"`
	WorkflowType string                     `json:"workflow_type"`
	Input        json.RawMessage            `json:"input"`
	NodeOutputs  map[string]json.RawMessage `json:"node_outputs"`
	Metadata     map[string]any             `json:"metadata"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// ToEvent produces a portable snapshot suitable for persistence. The
// returned maps are copies; mutating them does not affect the context.
func (tc *TaskContext) ToEvent() Snapshot {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	outputs := make(map[string]json.RawMessage, len(tc.nodeOutputs))
	for k, v := range tc.nodeOutputs {
		outputs[k] = v
	}
	meta := make(map[string]any, len(tc.metadata))
	for k, v := range tc.metadata {
		meta[k] = v
	}

	return Snapshot{
		InstanceID:   tc.instanceID,
		WorkflowType: tc.workflowType,
		Input:        tc.input,
		NodeOutputs:  outputs,
		Metadata:     meta,
		CreatedAt:    tc.createdAt,
		UpdatedAt:    tc.updatedAt,
	}
}

// FromSnapshot rematerialises a TaskContext from a previously produced
// Snapshot, preserving every node-output and metadata entry bit-exact
// (the round-trip law from spec §8).
func FromSnapshot(s Snapshot) *TaskContext {
	outputs := make(map[string]json.RawMessage, len(s.NodeOutputs))
	for k, v := range s.NodeOutputs {
		outputs[k] = v
	}
	meta := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return &TaskContext{
		instanceID:   s.InstanceID,
		workflowType: s.WorkflowType,
		input:        s.Input,
		nodeOutputs:  outputs,
		metadata:     meta,
		createdAt:    s.CreatedAt,
		updatedAt:    s.UpdatedAt,
	}
}

// Clone produces an independent copy sharing the same instance id and
// input but with its own node-output and metadata maps, so that concurrent
// parallel branches (spec §4.4.7) can write without racing on each other
// before the runtime merges their results back into the parent context.
func (tc *TaskContext) Clone() *TaskContext {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	outputs := make(map[string]json.RawMessage, len(tc.nodeOutputs))
	for k, v := range tc.nodeOutputs {
		outputs[k] = v
	}
	meta := make(map[string]any, len(tc.metadata))
	for k, v := range tc.metadata {
		meta[k] = v
	}
	return &TaskContext{
		instanceID:   tc.instanceID,
		workflowType: tc.workflowType,
		input:        tc.input,
		nodeOutputs:  outputs,
		metadata:     meta,
		createdAt:    tc.createdAt,
		updatedAt:    tc.updatedAt,
	}
}

// Merge unions another context's node outputs and metadata into tc. Used
// by the workflow runtime's parallel-join step (spec §4.4): outputs from
// distinct branches never collide by construction, so plain insertion is
// safe; metadata conflicts are resolved last-writer-wins by the caller
// iterating branches in ascending branchIndex order before calling Merge.
func (tc *TaskContext) Merge(other *TaskContext, branchIndex int) {
	other.mu.RLock()
	outputs := make(map[string]json.RawMessage, len(other.nodeOutputs))
	for k, v := range other.nodeOutputs {
		outputs[k] = v
	}
	meta := make(map[string]any, len(other.metadata))
	for k, v := range other.metadata {
		meta[k] = v
	}
	other.mu.RUnlock()

	tc.mu.Lock()
	defer tc.mu.Unlock()
	for k, v := range outputs {
		tc.nodeOutputs[k] = v
	}
	for k, v := range meta {
		tc.metadata[k] = v
	}
	_ = branchIndex // branch index is encoded by call order; see doc comment.
	tc.updatedAt = time.Now().UTC()
}
