package workflow

import (
	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/noderegistry"
)

// Builder accumulates NodeConfig entries and produces a validated
// WorkflowSchema. The start node is fixed at construction, mirroring the
// teacher-adjacent original's TypedWorkflowBuilder<StartNode> pattern
// (type-level start node) without Go generics standing in for Rust's
// PhantomData — the start node id is simply recorded once and never
// reassigned.
type Builder struct {
	schema     WorkflowSchema
	validators []func(*WorkflowSchema) error
}

// NewBuilder creates a builder whose start node is fixed to startNodeID.
func NewBuilder(workflowType, startNodeID string) *Builder {
	return &Builder{
		schema: WorkflowSchema{
			WorkflowType: workflowType,
			StartNodeID:  startNodeID,
			Nodes:        make(map[string]NodeConfig),
			Metadata: Metadata{
				Timeout:               300,
				MaxParallelExecutions: 1,
				Version:               "1.0.0",
			},
		},
	}
}

// Description sets the workflow's human-readable description.
func (b *Builder) Description(d string) *Builder {
	b.schema.Description = d
	return b
}

// Version sets the workflow-level version string (must be non-empty at
// Build time).
func (b *Builder) Version(v string) *Builder {
	b.schema.Metadata.Version = v
	return b
}

// Timeout sets the workflow-level timeout in seconds (must be positive at
// Build time).
func (b *Builder) Timeout(seconds int64) *Builder {
	b.schema.Metadata.Timeout = seconds
	return b
}

// MaxParallelExecutions sets the workflow-level fan-out bound (must be
// positive at Build time).
func (b *Builder) MaxParallelExecutions(n int) *Builder {
	b.schema.Metadata.MaxParallelExecutions = n
	return b
}

// ContinueOnError sets whether a step failure should be tolerated (marked
// Skipped) rather than propagated to the workflow as Failed (spec §4.4.5).
func (b *Builder) ContinueOnError(v bool) *Builder {
	b.schema.Metadata.ContinueOnError = v
	return b
}

// DebugMode toggles verbose per-step event emission.
func (b *Builder) DebugMode(v bool) *Builder {
	b.schema.Metadata.DebugMode = v
	return b
}

// Author records the workflow definition's author in metadata.
func (b *Builder) Author(a string) *Builder {
	b.schema.Metadata.Author = a
	return b
}

// Tags records free-form classification tags in metadata.
func (b *Builder) Tags(tags ...string) *Builder {
	b.schema.Metadata.Tags = tags
	return b
}

// AddNode registers a plain (non-router) node config with the given
// connection(s).
func (b *Builder) AddNode(nodeID, description string, connections ...string) *Builder {
	b.schema.Nodes[nodeID] = NodeConfig{
		NodeID:      nodeID,
		Description: description,
		Connections: connections,
	}
	return b
}

// AddRouter registers a router node whose runtime successor is chosen
// dynamically among the given candidate connections.
func (b *Builder) AddRouter(nodeID, description string, candidates ...string) *Builder {
	b.schema.Nodes[nodeID] = NodeConfig{
		NodeID:      nodeID,
		Description: description,
		Connections: candidates,
		IsRouter:    true,
	}
	return b
}

// AddParallel registers a node that fans out to every listed parallel
// peer concurrently.
func (b *Builder) AddParallel(nodeID, description string, peers ...string) *Builder {
	b.schema.Nodes[nodeID] = NodeConfig{
		NodeID:        nodeID,
		Description:   description,
		ParallelNodes: peers,
	}
	return b
}

// WithNodeConfig attaches an opaque per-node configuration payload to an
// already-added node.
func (b *Builder) WithNodeConfig(nodeID string, cfg any) *Builder {
	nc := b.schema.Nodes[nodeID]
	nc.PerNodeConfig = cfg
	b.schema.Nodes[nodeID] = nc
	return b
}

// Validate registers a caller-supplied structural constraint that runs
// last, after all built-in checks (spec §4.3 step 7).
func (b *Builder) Validate(fn func(*WorkflowSchema) error) *Builder {
	b.validators = append(b.validators, fn)
	return b
}

// Build runs the seven-step validation sequence from spec §4.3, grounded
// on original_source's TypedWorkflowBuilder::build / validate_structure,
// and returns the finished, immutable WorkflowSchema.
func (b *Builder) Build(reg *noderegistry.Registry) (*WorkflowSchema, error) {
	schema := b.schema

	// 1. Start node present.
	if schema.StartNodeID == "" {
		return nil, &errs.ConfigurationError{Message: "start node id is empty"}
	}
	if _, ok := schema.Nodes[schema.StartNodeID]; !ok {
		return nil, &errs.NodeNotFound{NodeID: schema.StartNodeID}
	}

	// 2. Every connection/parallel target resolves to a registered node.
	for id, nc := range schema.Nodes {
		if reg != nil && !reg.Has(id) {
			return nil, &errs.NodeNotFound{NodeID: id}
		}
		for _, target := range nc.Connections {
			if _, ok := schema.Nodes[target]; !ok {
				return nil, &errs.NodeNotFound{NodeID: target}
			}
		}
		for _, peer := range nc.ParallelNodes {
			if _, ok := schema.Nodes[peer]; !ok {
				return nil, &errs.NodeNotFound{NodeID: peer}
			}
		}
	}

	// 3. Every node reachable from start (stack-based traversal).
	reachable := reachableFrom(&schema)
	if len(reachable) != len(schema.Nodes) {
		var unreached []string
		for id := range schema.Nodes {
			if !reachable[id] {
				unreached = append(unreached, id)
			}
		}
		return nil, &errs.UnreachableNodes{IDs: unreached}
	}

	// 4. No cycles (DFS with recursion-stack).
	if cyclePath := detectCycle(&schema); cyclePath != nil {
		return nil, &errs.CycleDetected{Path: cyclePath}
	}

	// 5. Non-router out-degree <= 1.
	for id, nc := range schema.Nodes {
		outDegree := len(nc.Connections)
		if !nc.IsRouter && outDegree > 1 {
			return nil, &errs.InvalidRouter{NodeID: id}
		}
	}

	// 6. Metadata constraints.
	if schema.Metadata.Timeout <= 0 {
		return nil, &errs.ConfigurationError{Message: "timeout must be positive"}
	}
	if schema.Metadata.MaxParallelExecutions <= 0 {
		return nil, &errs.ConfigurationError{Message: "max_parallel_executions must be positive"}
	}
	if schema.Metadata.Version == "" {
		return nil, &errs.ConfigurationError{Message: "version must be non-empty"}
	}

	// 7. Caller-supplied validators run last.
	for _, v := range b.validators {
		if err := v(&schema); err != nil {
			return nil, err
		}
	}

	return &schema, nil
}

// reachableFrom performs a stack-based traversal from the schema's start
// node, visiting connection targets and parallel peers alike.
func reachableFrom(schema *WorkflowSchema) map[string]bool {
	visited := map[string]bool{schema.StartNodeID: true}
	stack := []string{schema.StartNodeID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		nc, ok := schema.Nodes[id]
		if !ok {
			continue
		}
		successors := append(append([]string{}, nc.Connections...), nc.ParallelNodes...)
		for _, next := range successors {
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return visited
}

// detectCycle runs DFS with an explicit recursion-stack set; it returns
// the path of the first back-edge found, or nil if the graph is acyclic.
func detectCycle(schema *WorkflowSchema) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(schema.Nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		nc := schema.Nodes[id]
		successors := append(append([]string{}, nc.Connections...), nc.ParallelNodes...)
		for _, next := range successors {
			switch color[next] {
			case gray:
				return append(append([]string{}, path...), next)
			case white:
				if cyc := visit(next); cyc != nil {
					return cyc
				}
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for id := range schema.Nodes {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
