package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/noderegistry"
	"github.com/cortexflow/engine/taskcontext"
	"github.com/cortexflow/engine/workflow"
)

// noopProcessNode satisfies noderegistry.Node and does nothing; used by
// Build tests that only exercise structural validation, never execution.
type noopProcessNode struct{}

func (noopProcessNode) Process(context.Context, *taskcontext.TaskContext) error { return nil }

func TestBuildValidLinearWorkflow(t *testing.T) {
	reg := noderegistry.New()
	mustRegister(t, reg, "a", "b", "c")

	b := workflow.NewBuilder("greet", "a")
	b.AddNode("a", "first", "b")
	b.AddNode("b", "second", "c")
	b.AddNode("c", "terminal")

	schema, err := b.Build(reg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if schema.StartNodeID != "a" {
		t.Errorf("StartNodeID = %q, want a", schema.StartNodeID)
	}
	if len(schema.Nodes) != 3 {
		t.Errorf("len(Nodes) = %d, want 3", len(schema.Nodes))
	}
}

func TestBuildRejectsMissingStartNode(t *testing.T) {
	reg := noderegistry.New()
	b := workflow.NewBuilder("greet", "missing")

	_, err := b.Build(reg)
	var nf *errs.NodeNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *errs.NodeNotFound", err)
	}
}

func TestBuildRejectsUnreachableNode(t *testing.T) {
	reg := noderegistry.New()
	mustRegister(t, reg, "a", "b", "orphan")

	b := workflow.NewBuilder("greet", "a")
	b.AddNode("a", "first", "b")
	b.AddNode("b", "second")
	b.AddNode("orphan", "never reached")

	_, err := b.Build(reg)
	var un *errs.UnreachableNodes
	if !errors.As(err, &un) {
		t.Fatalf("err = %v, want *errs.UnreachableNodes", err)
	}
	if len(un.IDs) != 1 || un.IDs[0] != "orphan" {
		t.Errorf("UnreachableNodes.IDs = %v, want [orphan]", un.IDs)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	reg := noderegistry.New()
	mustRegister(t, reg, "a", "b")

	b := workflow.NewBuilder("greet", "a")
	b.AddNode("a", "first", "b")
	b.AddNode("b", "second", "a")

	_, err := b.Build(reg)
	var cd *errs.CycleDetected
	if !errors.As(err, &cd) {
		t.Fatalf("err = %v, want *errs.CycleDetected", err)
	}
}

func TestBuildRejectsNonRouterMultipleOutEdges(t *testing.T) {
	reg := noderegistry.New()
	mustRegister(t, reg, "a", "b", "c")

	b := workflow.NewBuilder("greet", "a")
	b.AddNode("a", "fan without router", "b", "c")
	b.AddNode("b", "second")
	b.AddNode("c", "third")

	_, err := b.Build(reg)
	var ir *errs.InvalidRouter
	if !errors.As(err, &ir) {
		t.Fatalf("err = %v, want *errs.InvalidRouter", err)
	}
}

func TestBuildAllowsRouterMultipleOutEdges(t *testing.T) {
	reg := noderegistry.New()
	mustRegister(t, reg, "a", "b", "c")

	b := workflow.NewBuilder("greet", "a")
	b.AddRouter("a", "chooses", "b", "c")
	b.AddNode("b", "second")
	b.AddNode("c", "third")

	if _, err := b.Build(reg); err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func TestBuildRejectsNonPositiveTimeout(t *testing.T) {
	reg := noderegistry.New()
	mustRegister(t, reg, "a")

	b := workflow.NewBuilder("greet", "a").Timeout(0)
	b.AddNode("a", "only")

	_, err := b.Build(reg)
	var cfg *errs.ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("err = %v, want *errs.ConfigurationError", err)
	}
}

func TestBuildRunsCallerValidatorsLast(t *testing.T) {
	reg := noderegistry.New()
	mustRegister(t, reg, "a")

	sentinel := errors.New("custom rule violated")
	b := workflow.NewBuilder("greet", "a")
	b.AddNode("a", "only")
	b.Validate(func(*workflow.WorkflowSchema) error { return sentinel })

	_, err := b.Build(reg)
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}

func mustRegister(t *testing.T, reg *noderegistry.Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := reg.Register(id, noopProcessNode{}); err != nil {
			t.Fatalf("Register(%q): %v", id, err)
		}
	}
}
