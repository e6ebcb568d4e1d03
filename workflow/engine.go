package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/cortexflow/engine/budget"
	"github.com/cortexflow/engine/emit"
	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/metrics"
	"github.com/cortexflow/engine/noderegistry"
	"github.com/cortexflow/engine/pricing"
	"github.com/cortexflow/engine/taskcontext"
)

// Engine advances a WorkflowInstance through a validated WorkflowSchema,
// one node at a time, dispatching through a noderegistry.Registry and
// emitting lifecycle events through an emit.Emitter (teacher: graph/engine.go
// Engine.Run, generalized from the generic Node[S]/Store[S] pair onto the
// spec's fixed TaskContext/WorkflowInstance types).
type Engine struct {
	Registry *noderegistry.Registry
	Emitter  emit.Emitter

	// DefaultTimeout bounds a single node execution when no NodePolicy (or
	// a zero-valued one) overrides it (teacher: graph/timeout.go).
	DefaultTimeout time.Duration

	// MaxConcurrentBranches bounds how many parallel peers of a single
	// fan-out node run concurrently (teacher: graph/options.go
	// WithMaxConcurrent, adapted from a workflow-wide cap to a per-fan-out
	// semaphore so independent fan-outs don't starve each other).
	MaxConcurrentBranches int64

	// Policies supplies an optional per-node NodePolicy (timeout +
	// RetryPolicy). A nil or absent entry falls back to DefaultTimeout and
	// no retries.
	Policies map[string]*NodePolicy

	// Metrics, when set, records workflow/step counters, gauges and
	// histograms per spec §4.12. A nil Metrics disables recording
	// entirely (no-op), matching the teacher's Disable/Enable-gated
	// PrometheusMetrics rather than requiring every caller to wire one.
	Metrics *metrics.Metrics

	// Budget, when set, gates nodes implementing noderegistry.AINode: a
	// node whose scope is already over limit is failed before Process
	// ever runs, rather than being retried into the same denial (spec
	// §2, "each AI-invoking node first consults the budget tracker"). A
	// nil Budget disables the check for every node, AI or not.
	Budget *budget.Tracker

	// Pricing, when set, converts an AINode's reported Usage into an
	// actual cost after a successful call, posted to Budget and recorded
	// in Metrics. A nil Pricing skips cost calculation (spend is still
	// recorded at zero, since RecordSpending still runs with Budget set).
	Pricing *pricing.Engine
}

// NewEngine constructs an Engine with sane defaults: a 30s per-node
// timeout, up to 4 concurrent parallel branches, and a discarding emitter
// if none is supplied.
func NewEngine(reg *noderegistry.Registry, emitter emit.Emitter) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		Registry:              reg,
		Emitter:               emitter,
		DefaultTimeout:        30 * time.Second,
		MaxConcurrentBranches: 4,
		Policies:              make(map[string]*NodePolicy),
	}
}

// Run advances inst from its Workflow's start node to completion,
// mutating inst's Steps/Status/Outputs/Error in place and returning it.
// Run itself never panics on node errors; a failing node either marks the
// instance Failed (default) or is skipped and execution continues
// (Metadata.ContinueOnError), per spec §4.4.5.
func (e *Engine) Run(ctx context.Context, inst *WorkflowInstance, tc *taskcontext.TaskContext) (*WorkflowInstance, error) {
	if inst.Workflow == nil {
		return inst, &errs.ConfigurationError{Message: "instance has no workflow schema"}
	}

	now := time.Now().UTC()
	inst.Status = StatusRunning
	inst.StartedAt = &now
	e.emit(inst, "", "workflow_started", nil)
	e.recordTriggered(inst.Workflow.WorkflowType, "Running")
	if inst.Workflow.Metadata.DebugMode {
		e.emit(inst, "", "workflow_nodes", map[string]any{"node_ids": sortedNodeIDs(inst.Workflow)})
	}

	finalTC, err := e.runFrom(ctx, inst, inst.Workflow.StartNodeID, tc)

	completed := time.Now().UTC()
	inst.CompletedAt = &completed
	duration := completed.Sub(now)

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		inst.Status = StatusCancelled
		inst.Error = errs.FromError(err, "")
		e.emit(inst, "", "workflow_cancelled", map[string]any{"error": err.Error()})
		e.recordCompletion(inst.Workflow.WorkflowType, "Cancelled", duration)
		return inst, err
	case err != nil:
		inst.Status = StatusFailed
		inst.Error = errs.FromError(err, "")
		e.emit(inst, "", "workflow_failed", map[string]any{"error": err.Error()})
		e.recordCompletion(inst.Workflow.WorkflowType, "Failed", duration)
		return inst, err
	default:
		inst.Status = StatusCompleted
		inst.Outputs = finalTC.ToEvent().NodeOutputs
		e.emit(inst, "", "workflow_completed", nil)
		e.recordCompletion(inst.Workflow.WorkflowType, "Completed", duration)
		return inst, nil
	}
}

func (e *Engine) recordTriggered(workflowType, status string) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordWorkflowTriggered(workflowType, status)
}

func (e *Engine) recordCompletion(workflowType, status string, d time.Duration) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordWorkflowDuration(workflowType, d)
}

// runFrom executes nodeID and recurses into its successor(s), implementing
// the four-way successor rule from spec §4.4.3: router, parallel fan-out
// (with join back onto the fan-out node's own Connections), single
// connection, or terminal.
func (e *Engine) runFrom(ctx context.Context, inst *WorkflowInstance, nodeID string, tc *taskcontext.TaskContext) (*taskcontext.TaskContext, error) {
	if err := ctx.Err(); err != nil {
		return tc, err
	}

	nc, ok := inst.Workflow.Nodes[nodeID]
	if !ok {
		return tc, &errs.NodeNotFound{NodeID: nodeID}
	}

	node, caps, ok := e.Registry.Get(nodeID)
	if !ok {
		return tc, &errs.NodeNotFound{NodeID: nodeID}
	}

	if err := e.executeWithRetry(ctx, inst, nodeID, node, tc); err != nil {
		if inst.Workflow.Metadata.ContinueOnError {
			e.markStep(inst, nodeID, StepSkipped, nil)
			// A skipped router cannot choose a successor; a skipped
			// fan-out cannot know which branches to run. Both terminate
			// this chain. A skipped plain node still advances along its
			// single declared connection, carrying the unmodified context.
			if nc.IsRouter || len(nc.ParallelNodes) > 0 {
				return tc, nil
			}
			if len(nc.Connections) == 1 {
				return e.runFrom(ctx, inst, nc.Connections[0], tc)
			}
			return tc, nil
		}
		return tc, err
	}

	if nc.IsRouter {
		router, ok := node.(noderegistry.Router)
		if !ok {
			return tc, &errs.InvalidRouter{NodeID: nodeID}
		}
		next, matched := router.Route(ctx, tc)
		if !matched {
			return tc, nil
		}
		if _, declared := indexOf(nc.Connections, next); !declared {
			return tc, &errs.InvalidRouter{NodeID: nodeID}
		}
		return e.runFrom(ctx, inst, next, tc)
	}

	if len(nc.ParallelNodes) > 0 {
		merged, err := e.runParallel(ctx, inst, nc, tc, caps)
		if err != nil {
			return tc, err
		}
		tc = merged
		if len(nc.Connections) == 1 {
			return e.runFrom(ctx, inst, nc.Connections[0], tc)
		}
		return tc, nil
	}

	if len(nc.Connections) == 1 {
		return e.runFrom(ctx, inst, nc.Connections[0], tc)
	}
	return tc, nil
}

// runParallel runs every peer of a fan-out node as an independent branch
// chain (each on its own cloned TaskContext so concurrent writes never
// race), bounded by MaxConcurrentBranches, then merges every branch's
// outputs back in ascending peer-index order so metadata conflicts
// resolve deterministically regardless of completion order (spec §4.4.7,
// teacher: graph/engine.go fan-out).
//
// Peers are queued onto a Frontier keyed by ComputeOrderKey(nc.NodeID,
// edgeIndex) rather than run directly off a bare semaphore: this carries
// the same deterministic-provenance ordering the teacher's scheduler
// gives a replayed execution, even though an in-memory fan-out that
// finishes in one call doesn't itself need to survive a restart.
func (e *Engine) runParallel(ctx context.Context, inst *WorkflowInstance, nc NodeConfig, tc *taskcontext.TaskContext, caps noderegistry.Capabilities) (*taskcontext.TaskContext, error) {
	_ = caps
	peers := nc.ParallelNodes
	branchResults := make([]*taskcontext.TaskContext, len(peers))

	limit := e.MaxConcurrentBranches
	if limit <= 0 || limit > int64(len(peers)) {
		limit = int64(len(peers))
	}

	frontier := NewFrontier(len(peers))
	// permits bounds the number of Dequeue calls to exactly len(peers), so
	// no worker ever blocks on an empty frontier waiting for an item that
	// will never arrive: every permit taken corresponds 1:1 to an item
	// already enqueued below before any worker starts.
	permits := make(chan struct{}, len(peers))
	for i, peer := range peers {
		item := WorkItem{
			OrderKey:     ComputeOrderKey(nc.NodeID, i),
			NodeID:       peer,
			Context:      tc.Clone(),
			ParentNodeID: nc.NodeID,
			EdgeIndex:    i,
		}
		if err := frontier.Enqueue(ctx, item); err != nil {
			return tc, err
		}
		permits <- struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := int64(0); w < limit; w++ {
		g.Go(func() error {
			for {
				select {
				case <-permits:
				default:
					return nil
				}
				item, ok := frontier.Dequeue(gctx)
				if !ok {
					if err := gctx.Err(); err != nil {
						return err
					}
					return nil
				}
				result, err := e.runFrom(gctx, inst, item.NodeID, item.Context)
				if err != nil {
					return err
				}
				branchResults[item.EdgeIndex] = result
			}
		})
	}
	if err := g.Wait(); err != nil {
		return tc, err
	}

	merged := tc.Clone()
	for i, r := range branchResults {
		if r != nil {
			merged.Merge(r, i)
		}
	}
	return merged, nil
}

// executeWithRetry runs a single node's Process/ExecuteParallel-independent
// body (router dispatch happens in the caller) up to its RetryPolicy's
// MaxAttempts, applying the per-attempt timeout and exponential backoff
// with jitter between attempts (teacher: graph/policy.go, graph/timeout.go).
func (e *Engine) executeWithRetry(ctx context.Context, inst *WorkflowInstance, nodeID string, node noderegistry.Node, tc *taskcontext.TaskContext) error {
	policy := e.Policies[nodeID]
	timeout := effectiveTimeout(policy, e.DefaultTimeout)

	maxAttempts := 1
	var retry *RetryPolicy
	if policy != nil && policy.RetryPolicy != nil {
		retry = policy.RetryPolicy
		maxAttempts = retry.MaxAttempts
	}

	aiNode, _ := node.(noderegistry.AINode)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(attempt, retry.BaseDelay, retry.MaxDelay, nil)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if aiNode != nil && e.Budget != nil {
			provider, _, userID, projectID := aiNode.AIRequest()
			if !e.Budget.CheckBudgetAllowed(provider, decimal.Zero, userID, projectID) {
				stepErr := &errs.BudgetExceeded{Scope: provider, LimitType: "pre_invoke"}
				e.markStep(inst, nodeID, StepFailed, errs.FromError(stepErr, nodeID))
				e.emit(inst, nodeID, "step_failed", map[string]any{"attempt": attempt + 1, "error": stepErr.Error()})
				if e.Metrics != nil {
					e.Metrics.RecordBudgetViolation(provider, "pre_invoke", "denied")
				}
				return stepErr
			}
		}

		e.markStep(inst, nodeID, StepRunning, nil)
		e.emit(inst, nodeID, "step_started", map[string]any{"attempt": attempt + 1})

		stepStart := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := e.invoke(stepCtx, node, tc)
		if cancel != nil {
			cancel()
		}
		stepDuration := time.Since(stepStart)

		if err == nil {
			e.markStep(inst, nodeID, StepCompleted, nil)
			e.emit(inst, nodeID, "step_completed", map[string]any{"attempt": attempt + 1})
			if e.Metrics != nil {
				e.Metrics.RecordWorkflowStep(inst.Workflow.WorkflowType, nodeID, "completed", stepDuration)
			}
			if aiNode != nil {
				e.recordAISpend(aiNode, stepDuration)
			}
			return nil
		}

		lastErr = err
		stepErr := errs.FromError(err, nodeID)
		e.markStep(inst, nodeID, StepFailed, stepErr)
		e.emit(inst, nodeID, "step_failed", map[string]any{"attempt": attempt + 1, "error": err.Error()})
		if e.Metrics != nil {
			e.Metrics.RecordWorkflowStep(inst.Workflow.WorkflowType, nodeID, "failed", stepDuration)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if retry == nil || retry.Retryable == nil || !retry.Retryable(err) {
			return lastErr
		}
	}
	return lastErr
}

// recordAISpend posts an AINode's just-completed call to Pricing/Budget/
// Metrics. Each is independently optional: an unconfigured Pricing
// prices the call at zero rather than skipping the budget/metrics
// recording entirely, matching pricing.Engine's own "unknown model costs
// zero" behavior.
func (e *Engine) recordAISpend(node noderegistry.AINode, d time.Duration) {
	provider, model, userID, projectID := node.AIRequest()
	usage := node.Usage()

	var cost decimal.Decimal
	if e.Pricing != nil {
		_, _, cost = e.Pricing.CalculateCost(usage, model)
	}
	if e.Budget != nil {
		_ = e.Budget.RecordSpending(provider, cost, userID, projectID)
	}
	if e.Metrics != nil {
		costUSD, _ := cost.Float64()
		e.Metrics.RecordAIRequest(provider, model, "completed", d, usage.InputTokens, usage.OutputTokens, costUSD)
	}
}

// invoke calls the node's base Process contract. ParallelNode/Router are
// capability hints consulted by the caller for successor determination;
// Process is still the contract every node implements (spec §4.2).
func (e *Engine) invoke(ctx context.Context, node noderegistry.Node, tc *taskcontext.TaskContext) error {
	return node.Process(ctx, tc)
}

func (e *Engine) markStep(inst *WorkflowInstance, nodeID string, status StepStatus, stepErr *errs.StepError) {
	if nodeID == "" {
		return
	}
	step, ok := inst.Steps[nodeID]
	if !ok {
		step = &StepExecution{}
		inst.Steps[nodeID] = step
	}
	now := time.Now().UTC()
	switch status {
	case StepRunning:
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
		step.Attempt++
	case StepCompleted, StepFailed, StepSkipped:
		step.CompletedAt = &now
	}
	step.Status = status
	if stepErr != nil {
		step.Error = stepErr
	}
}

func (e *Engine) emit(inst *WorkflowInstance, nodeID, msg string, meta map[string]any) {
	if e.Emitter == nil {
		return
	}
	e.Emitter.Emit(emit.Event{
		RunID:  inst.ID.String(),
		NodeID: nodeID,
		Msg:    msg,
		Meta:   meta,
	})
}

func indexOf(haystack []string, needle string) (int, bool) {
	for i, s := range haystack {
		if s == needle {
			return i, true
		}
	}
	return -1, false
}

// sortedNodeIDs is a small helper used by callers that need deterministic
// iteration over a schema's nodes (e.g. for debug-mode event emission).
func sortedNodeIDs(schema *WorkflowSchema) []string {
	ids := schema.NodeIDs()
	sort.Strings(ids)
	return ids
}
