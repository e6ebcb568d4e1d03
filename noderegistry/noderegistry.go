// Package noderegistry implements the node identity-keyed contract and
// lookup table described in spec §4.1 (teacher: graph/node.go's Node[S]/
// NodeFunc[S]/NodeError family, generalized from generic merge-state to
// the fixed TaskContext carrier; original_source's nodes/mod.rs trait
// split (Node/Router/ParallelNode/AsyncNode) for the capability shape).
package noderegistry

import (
	"context"
	"fmt"
	"sync"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/pricing"
	"github.com/cortexflow/engine/taskcontext"
)

// Node is the base processing-unit contract: one operation that reads and
// writes a TaskContext. A node's observable side effects must be confined
// to writing its own output, appending metadata, and invoking allow-listed
// external collaborators; the runtime never reflects on node internals.
type Node interface {
	Process(ctx context.Context, tc *taskcontext.TaskContext) error
}

// Router additionally selects its successor dynamically from among its
// declared connections. Route returns (nodeID, true) to continue there, or
// ("", false) to terminate this branch normally.
type Router interface {
	Node
	Route(ctx context.Context, tc *taskcontext.TaskContext) (string, bool)
}

// ParallelNode additionally fans out internally, returning one or more
// contexts the runtime merges back together.
type ParallelNode interface {
	Node
	ExecuteParallel(ctx context.Context, tc *taskcontext.TaskContext) ([]*taskcontext.TaskContext, error)
}

// AINode is an optional capability for nodes that invoke a priced AI
// provider. AIRequest identifies the call for budget/pricing purposes
// before Process runs; Usage reports the token counts actually consumed
// by the most recently completed Process call, so the engine can record
// real spend and metrics afterward rather than an estimate (spec §2,
// "each AI-invoking node first consults the budget tracker, records
// actual cost on completion, and updates metrics").
type AINode interface {
	Node
	AIRequest() (provider, model, userID, projectID string)
	Usage() pricing.Usage
}

// AsyncNode is a marker capability for nodes that perform no blocking
// syscalls. Register records it in the node's Capabilities; the workflow
// engine does not consult it, and such nodes run like any other (see
// SPEC_FULL.md §5.1 — Go's single execution model means every node already
// runs on a goroutine, so this is a hint, not a second call contract,
// unlike the distilled spec's Rust original).
type AsyncNode interface {
	Node
	NonBlocking()
}

// NodeFunc adapts a plain function to the Node interface, mirroring the
// teacher's NodeFunc[S] adapter idiom.
type NodeFunc func(ctx context.Context, tc *taskcontext.TaskContext) error

// Process implements Node.
func (f NodeFunc) Process(ctx context.Context, tc *taskcontext.TaskContext) error {
	return f(ctx, tc)
}

// Capabilities records which optional operations a node implements,
// computed once at registration time rather than probed via a runtime type
// switch on every invocation (the §9 "avoid reflection-based runtime
// probe" design note).
type Capabilities struct {
	IsRouter   bool
	IsParallel bool
	IsAsync    bool
	IsAI       bool
}

// entry is the registry's internal record for one registered node.
type entry struct {
	node Node
	caps Capabilities
}

// Registry maps node identity tokens to boxed node instances. It is
// populated at program start and, once sealed, supports only concurrent
// reads.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]entry
	sealed bool
}

// New creates an empty, unsealed registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]entry)}
}

// Register adds a node under nodeID, computing its capability tags once.
// Returns an error if the registry is already sealed or nodeID is already
// registered.
func (r *Registry) Register(nodeID string, node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return &errs.ConfigurationError{Message: "registry is sealed, cannot register " + nodeID}
	}
	if _, exists := r.nodes[nodeID]; exists {
		return &errs.ConfigurationError{Message: "node " + nodeID + " already registered"}
	}

	caps := Capabilities{}
	if _, ok := node.(Router); ok {
		caps.IsRouter = true
	}
	if _, ok := node.(ParallelNode); ok {
		caps.IsParallel = true
	}
	if _, ok := node.(AsyncNode); ok {
		caps.IsAsync = true
	}
	if _, ok := node.(AINode); ok {
		caps.IsAI = true
	}

	r.nodes[nodeID] = entry{node: node, caps: caps}
	return nil
}

// Seal freezes the registry; subsequent Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether the registry has been sealed.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get looks up a node by id, returning its capability tags alongside it.
func (r *Registry) Get(nodeID string) (Node, Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[nodeID]
	return e.node, e.caps, ok
}

// Has reports whether nodeID is registered.
func (r *Registry) Has(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeID]
	return ok
}

// IDs returns every registered node id, in no particular order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids
}

// MustGet looks up a node, panicking if absent. Intended for call sites
// that have already validated the reference exists (e.g. after a
// successful WorkflowSchema build), to avoid threading an error return
// through hot execution paths for a condition structural validation
// already ruled out.
func (r *Registry) MustGet(nodeID string) Node {
	n, _, ok := r.Get(nodeID)
	if !ok {
		panic(fmt.Sprintf("noderegistry: node %q not found after validation; this indicates a registry/schema mismatch", nodeID))
	}
	return n
}
