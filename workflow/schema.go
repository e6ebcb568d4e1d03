// Package workflow implements the typed workflow builder, its structural
// validation, and the runtime that advances a TaskContext through a
// validated schema (spec §4.3/§4.4).
package workflow

// NodeConfig describes one vertex in a WorkflowSchema.
type NodeConfig struct {
	NodeID         string
	Description    string
	Connections    []string
	ParallelNodes  []string
	IsRouter       bool
	PerNodeConfig  any
}

// Metadata carries the workflow-level settings validated by Build's check
// 6 (spec §4.3).
type Metadata struct {
	Timeout               int64 // seconds; must be > 0
	MaxParallelExecutions int   // must be > 0
	Version               string
	DebugMode             bool
	ContinueOnError       bool
	Tags                  []string
	Author                string
}

// WorkflowSchema is a directed graph keyed by node identity. It is built
// once at program start, validated by Builder.Build, and immutable
// thereafter.
type WorkflowSchema struct {
	WorkflowType string
	Description  string
	StartNodeID  string
	Nodes        map[string]NodeConfig
	Metadata     Metadata
}

// NodeIDs returns every node id in the schema, in no particular order.
func (s *WorkflowSchema) NodeIDs() []string {
	ids := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	return ids
}
