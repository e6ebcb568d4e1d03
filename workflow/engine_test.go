package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cortexflow/engine/emit"
	"github.com/cortexflow/engine/noderegistry"
	"github.com/cortexflow/engine/taskcontext"
	"github.com/cortexflow/engine/workflow"
)

// recordingNode writes its own id as output and appends its id to a
// shared, mutex-guarded log so tests can assert execution order.
type recordingNode struct {
	id  string
	log *callLog
}

func (n recordingNode) Process(_ context.Context, tc *taskcontext.TaskContext) error {
	n.log.add(n.id)
	return tc.UpdateNode(n.id, map[string]string{"ran": n.id})
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, id)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *callLog) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == id {
			n++
		}
	}
	return n
}

type failingNode struct{ err error }

func (n failingNode) Process(context.Context, *taskcontext.TaskContext) error { return n.err }

// flakyNode fails until the (1-indexed) attempt count reaches succeedOn.
type flakyNode struct {
	mu        sync.Mutex
	attempts  int
	succeedOn int
}

func (n *flakyNode) Process(context.Context, *taskcontext.TaskContext) error {
	n.mu.Lock()
	n.attempts++
	attempt := n.attempts
	n.mu.Unlock()
	if attempt < n.succeedOn {
		return errors.New("transient failure")
	}
	return nil
}

// routerNode sends execution to whichever of "to" is still declared on the
// node, chosen via a field so tests can control it directly.
type routerNode struct {
	to string
}

func (routerNode) Process(context.Context, *taskcontext.TaskContext) error { return nil }
func (n routerNode) Route(context.Context, *taskcontext.TaskContext) (string, bool) {
	return n.to, true
}

type slowNode struct{ d time.Duration }

func (n slowNode) Process(ctx context.Context, _ *taskcontext.TaskContext) error {
	select {
	case <-time.After(n.d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mustInstance(t *testing.T, schema *workflow.WorkflowSchema) (*workflow.WorkflowInstance, *taskcontext.TaskContext) {
	t.Helper()
	inst := workflow.NewInstance(schema, map[string]any{})
	tc, err := taskcontext.New(schema.WorkflowType, map[string]any{})
	if err != nil {
		t.Fatalf("taskcontext.New: %v", err)
	}
	return inst, tc
}

func baseMetadata() workflow.Metadata {
	return workflow.Metadata{Timeout: 300, MaxParallelExecutions: 4, Version: "1.0.0"}
}

func TestRunLinearWorkflowCompletes(t *testing.T) {
	log := &callLog{}
	reg := noderegistry.New()
	_ = reg.Register("a", recordingNode{id: "a", log: log})
	_ = reg.Register("b", recordingNode{id: "b", log: log})
	_ = reg.Register("c", recordingNode{id: "c", log: log})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "linear",
		StartNodeID:  "a",
		Nodes: map[string]workflow.NodeConfig{
			"a": {NodeID: "a", Connections: []string{"b"}},
			"b": {NodeID: "b", Connections: []string{"c"}},
			"c": {NodeID: "c"},
		},
		Metadata: baseMetadata(),
	}

	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %v, want Completed", result.Status)
	}
	want := []string{"a", "b", "c"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls = %v, want %v", got, want)
		}
	}
	for _, id := range want {
		if result.Steps[id].Status != workflow.StepCompleted {
			t.Errorf("Steps[%q].Status = %v, want Completed", id, result.Steps[id].Status)
		}
	}
}

func TestRunFailingNodeMarksWorkflowFailed(t *testing.T) {
	reg := noderegistry.New()
	_ = reg.Register("a", failingNode{err: errors.New("boom")})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "fails",
		StartNodeID:  "a",
		Nodes:        map[string]workflow.NodeConfig{"a": {NodeID: "a"}},
		Metadata:     baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err == nil {
		t.Fatal("expected Run to return the node's error")
	}
	if result.Status != workflow.StatusFailed {
		t.Errorf("Status = %v, want Failed", result.Status)
	}
	if result.Error == nil {
		t.Error("expected inst.Error to be populated")
	}
}

func TestRunContinueOnErrorSkipsAndAdvances(t *testing.T) {
	log := &callLog{}
	reg := noderegistry.New()
	_ = reg.Register("a", failingNode{err: errors.New("boom")})
	_ = reg.Register("b", recordingNode{id: "b", log: log})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "continue",
		StartNodeID:  "a",
		Nodes: map[string]workflow.NodeConfig{
			"a": {NodeID: "a", Connections: []string{"b"}},
			"b": {NodeID: "b"},
		},
		Metadata: func() workflow.Metadata {
			m := baseMetadata()
			m.ContinueOnError = true
			return m
		}(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Errorf("Status = %v, want Completed", result.Status)
	}
	if result.Steps["a"].Status != workflow.StepSkipped {
		t.Errorf("Steps[a].Status = %v, want Skipped", result.Steps["a"].Status)
	}
	if log.count("b") != 1 {
		t.Errorf("node b ran %d times, want 1 (execution should still advance past the skipped node)", log.count("b"))
	}
}

func TestRunRouterSelectsDeclaredSuccessor(t *testing.T) {
	log := &callLog{}
	reg := noderegistry.New()
	_ = reg.Register("start", routerNode{to: "right"})
	_ = reg.Register("left", recordingNode{id: "left", log: log})
	_ = reg.Register("right", recordingNode{id: "right", log: log})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "route",
		StartNodeID:  "start",
		Nodes: map[string]workflow.NodeConfig{
			"start": {NodeID: "start", IsRouter: true, Connections: []string{"left", "right"}},
			"left":  {NodeID: "left"},
			"right": {NodeID: "right"},
		},
		Metadata: baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}
	if log.count("right") != 1 || log.count("left") != 0 {
		t.Errorf("calls = %v, want only right visited", log.snapshot())
	}
}

func TestRunRouterRejectsUndeclaredTarget(t *testing.T) {
	reg := noderegistry.New()
	_ = reg.Register("start", routerNode{to: "nowhere"})
	_ = reg.Register("left", failingNode{err: errors.New("should never run")})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "route",
		StartNodeID:  "start",
		Nodes: map[string]workflow.NodeConfig{
			"start": {NodeID: "start", IsRouter: true, Connections: []string{"left"}},
			"left":  {NodeID: "left"},
		},
		Metadata: baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	_, err := e.Run(context.Background(), inst, tc)
	if err == nil {
		t.Fatal("expected an InvalidRouter error for an undeclared route target")
	}
}

func TestRunParallelFanOutMergesAllBranchOutputs(t *testing.T) {
	log := &callLog{}
	reg := noderegistry.New()
	_ = reg.Register("fanout", recordingNode{id: "fanout", log: log})
	_ = reg.Register("p1", recordingNode{id: "p1", log: log})
	_ = reg.Register("p2", recordingNode{id: "p2", log: log})
	_ = reg.Register("p3", recordingNode{id: "p3", log: log})
	_ = reg.Register("join", recordingNode{id: "join", log: log})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "fanout",
		StartNodeID:  "fanout",
		Nodes: map[string]workflow.NodeConfig{
			"fanout": {NodeID: "fanout", ParallelNodes: []string{"p1", "p2", "p3"}, Connections: []string{"join"}},
			"p1":     {NodeID: "p1"},
			"p2":     {NodeID: "p2"},
			"p3":     {NodeID: "p3"},
			"join":   {NodeID: "join"},
		},
		Metadata: baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	e.MaxConcurrentBranches = 2
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}
	for _, id := range []string{"p1", "p2", "p3"} {
		if log.count(id) != 1 {
			t.Errorf("branch %q ran %d times, want 1", id, log.count(id))
		}
	}
	if log.count("join") != 1 {
		t.Errorf("join ran %d times, want 1 (after all branches merged)", log.count("join"))
	}
}

func TestRunParallelBranchFailurePropagates(t *testing.T) {
	reg := noderegistry.New()
	_ = reg.Register("fanout", recordingNode{id: "fanout", log: &callLog{}})
	_ = reg.Register("p1", failingNode{err: errors.New("branch failed")})
	_ = reg.Register("p2", recordingNode{id: "p2", log: &callLog{}})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "fanout-fail",
		StartNodeID:  "fanout",
		Nodes: map[string]workflow.NodeConfig{
			"fanout": {NodeID: "fanout", ParallelNodes: []string{"p1", "p2"}},
			"p1":     {NodeID: "p1"},
			"p2":     {NodeID: "p2"},
		},
		Metadata: baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err == nil {
		t.Fatal("expected a failing branch to fail the workflow")
	}
	if result.Status != workflow.StatusFailed {
		t.Errorf("Status = %v, want Failed", result.Status)
	}
}

func TestRunRetriesFlakyNodeUntilSuccess(t *testing.T) {
	reg := noderegistry.New()
	flaky := &flakyNode{succeedOn: 3}
	_ = reg.Register("a", flaky)

	schema := &workflow.WorkflowSchema{
		WorkflowType: "retry",
		StartNodeID:  "a",
		Nodes:        map[string]workflow.NodeConfig{"a": {NodeID: "a"}},
		Metadata:     baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	e.Policies["a"] = &workflow.NodePolicy{
		RetryPolicy: &workflow.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Retryable:   func(error) bool { return true },
		},
	}
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %v, want Completed", result.Status)
	}
	if result.Steps["a"].Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", result.Steps["a"].Attempt)
	}
}

func TestRunRetryGivesUpWhenNotRetryable(t *testing.T) {
	reg := noderegistry.New()
	flaky := &flakyNode{succeedOn: 100}
	_ = reg.Register("a", flaky)

	schema := &workflow.WorkflowSchema{
		WorkflowType: "no-retry",
		StartNodeID:  "a",
		Nodes:        map[string]workflow.NodeConfig{"a": {NodeID: "a"}},
		Metadata:     baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	e.Policies["a"] = &workflow.NodePolicy{
		RetryPolicy: &workflow.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			Retryable:   func(error) bool { return false },
		},
	}
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err == nil {
		t.Fatal("expected Run to fail immediately when Retryable rejects the error")
	}
	if result.Steps["a"].Attempt != 1 {
		t.Errorf("Attempt = %d, want 1 (no retries attempted)", result.Steps["a"].Attempt)
	}
}

func TestRunNodeTimeoutCancelsSlowNode(t *testing.T) {
	reg := noderegistry.New()
	_ = reg.Register("a", slowNode{d: 200 * time.Millisecond})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "timeout",
		StartNodeID:  "a",
		Nodes:        map[string]workflow.NodeConfig{"a": {NodeID: "a"}},
		Metadata:     baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	e.DefaultTimeout = 20 * time.Millisecond
	inst, tc := mustInstance(t, schema)

	result, err := e.Run(context.Background(), inst, tc)
	if err == nil {
		t.Fatal("expected the per-node timeout to fail the workflow")
	}
	// A per-node timeout surfaces as context.DeadlineExceeded, which Run
	// classifies the same way as an externally cancelled context.
	if result.Status != workflow.StatusCancelled {
		t.Errorf("Status = %v, want Cancelled", result.Status)
	}
}

func TestRunExternalCancellationMarksCancelled(t *testing.T) {
	reg := noderegistry.New()
	_ = reg.Register("a", slowNode{d: 200 * time.Millisecond})

	schema := &workflow.WorkflowSchema{
		WorkflowType: "cancel",
		StartNodeID:  "a",
		Nodes:        map[string]workflow.NodeConfig{"a": {NodeID: "a"}},
		Metadata:     baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := e.Run(ctx, inst, tc)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if result.Status != workflow.StatusCancelled {
		t.Errorf("Status = %v, want Cancelled", result.Status)
	}
}

func TestRunMissingNodeReturnsNodeNotFound(t *testing.T) {
	reg := noderegistry.New()
	schema := &workflow.WorkflowSchema{
		WorkflowType: "missing",
		StartNodeID:  "ghost",
		Nodes:        map[string]workflow.NodeConfig{"ghost": {NodeID: "ghost"}},
		Metadata:     baseMetadata(),
	}
	e := workflow.NewEngine(reg, emit.NewNullEmitter())
	inst, tc := mustInstance(t, schema)

	_, err := e.Run(context.Background(), inst, tc)
	if err == nil {
		t.Fatal("expected an error for an unregistered node")
	}
}
