// Package lifecycle implements the instance lifecycle and status service
// (spec §5.9): resolving a named workflow definition, creating and running
// an instance in the background, and projecting status/progress snapshots
// for callers that never see the runtime's internals directly.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/eventstore"
	"github.com/cortexflow/engine/taskcontext"
	"github.com/cortexflow/engine/workflow"
)

// Config bounds the service's behavior.
type Config struct {
	// MaxParallelExecutions gates how many instances may be actively
	// running at once. Triggers beyond capacity are handled per
	// OverloadMode.
	MaxParallelExecutions int64

	// OverloadMode selects what happens when the pool is saturated.
	OverloadMode OverloadMode

	// QueueWaitTimeout bounds how long a queued trigger waits for a free
	// slot before giving up with Overloaded, when OverloadMode is Queue.
	QueueWaitTimeout time.Duration
}

// OverloadMode selects the lifecycle service's backpressure behavior.
type OverloadMode int

const (
	// OverloadReject returns Overloaded immediately when the pool is
	// saturated.
	OverloadReject OverloadMode = iota
	// OverloadQueue blocks the triggering caller (up to QueueWaitTimeout)
	// until a slot frees up.
	OverloadQueue
)

// DefaultConfig matches the teacher/spec's usual single-digit concurrency
// default for local execution.
func DefaultConfig() Config {
	return Config{MaxParallelExecutions: 8, OverloadMode: OverloadReject, QueueWaitTimeout: 30 * time.Second}
}

// Definition pairs a registered workflow type with the compiled schema
// Trigger instantiates from.
type Definition struct {
	WorkflowType string
	Schema       *workflow.WorkflowSchema
}

// Service is the instance lifecycle and status service. It owns an
// in-memory arena of instances keyed by id, behind a two-level lock: a
// short top-level lock for lookup/insert, and a per-instance handle while
// the runtime advances that instance (spec §5.9, "arena keyed by id").
type Service struct {
	cfg     Config
	engine  *workflow.Engine
	pool    *semaphore.Weighted
	arenaMu sync.RWMutex
	arena   map[uuid.UUID]*entry

	defsMu      sync.RWMutex
	definitions map[string]*Definition

	templates *TemplateRegistry

	// Store, when set, receives a WorkflowCreated event at Trigger and one
	// terminal event (WorkflowCompleted/Failed/Cancelled) when run finishes,
	// giving the instance an event-sourced audit trail alongside the
	// in-memory arena GetStatus reads from (spec §2, §8.3). A nil Store
	// disables this, matching the Engine.Metrics nil-safe pattern.
	Store eventstore.EventStore
}

type entry struct {
	mu       sync.Mutex
	instance *workflow.WorkflowInstance
	cancel   context.CancelFunc
}

// New constructs a Service bound to engine, with no registered
// definitions or templates.
func New(engine *workflow.Engine, cfg Config) *Service {
	if cfg.MaxParallelExecutions <= 0 {
		cfg.MaxParallelExecutions = DefaultConfig().MaxParallelExecutions
	}
	return &Service{
		cfg:         cfg,
		engine:      engine,
		pool:        semaphore.NewWeighted(cfg.MaxParallelExecutions),
		arena:       make(map[uuid.UUID]*entry),
		definitions: make(map[string]*Definition),
		templates:   newTemplateRegistry(),
	}
}

// RegisterDefinition makes a workflow type available to Trigger.
func (s *Service) RegisterDefinition(schema *workflow.WorkflowSchema) {
	s.defsMu.Lock()
	defer s.defsMu.Unlock()
	s.definitions[schema.WorkflowType] = &Definition{WorkflowType: schema.WorkflowType, Schema: schema}
}

func (s *Service) lookupDefinition(workflowType string) (*Definition, error) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()
	def, ok := s.definitions[workflowType]
	if !ok {
		return nil, &errs.WorkflowNotFound{WorkflowType: workflowType}
	}
	return def, nil
}

// Trigger resolves workflowName to a registered definition, builds a new
// instance from inputs, inserts it as Created, and spawns a background
// worker to drive it through the engine (spec §5.9). It returns the
// instance's id immediately; callers poll GetStatus for progress.
//
// overrides, when non-nil, is merged into the instance's metadata bag
// before the engine runs — e.g. per-trigger DebugMode or budget scope
// overrides.
func (s *Service) Trigger(ctx context.Context, workflowName string, inputs any, overrides map[string]any) (uuid.UUID, error) {
	def, err := s.lookupDefinition(workflowName)
	if err != nil {
		return uuid.Nil, err
	}

	inst := workflow.NewInstance(def.Schema, inputs)

	tc, err := taskcontext.New(def.Schema.WorkflowType, inputs)
	if err != nil {
		return uuid.Nil, err
	}
	for k, v := range overrides {
		tc.SetMetadata(k, v)
	}

	if err := s.appendCreated(ctx, inst); err != nil {
		return uuid.Nil, err
	}

	// runCtx detaches the background run from ctx's cancellation/deadline —
	// Trigger's caller (e.g. an HTTP request) routinely returns long before
	// the instance finishes, and that must not cancel the run. Values
	// carried on ctx (e.g. trace ids) still propagate via WithoutCancel.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.arenaMu.Lock()
	s.arena[inst.ID] = &entry{instance: inst, cancel: cancel}
	s.arenaMu.Unlock()

	if err := s.acquireSlot(ctx); err != nil {
		cancel()
		s.arenaMu.Lock()
		delete(s.arena, inst.ID)
		s.arenaMu.Unlock()
		return uuid.Nil, err
	}

	go s.run(runCtx, inst.ID, inst, tc)

	return inst.ID, nil
}

// Cancel requests early termination of a running instance by cancelling
// its background execution context; workflow.Engine observes this at the
// next node boundary and returns with StatusCancelled (spec §4.4.6). It is
// a no-op, not an error, if the instance has already reached a terminal
// state and its cancel func has been cleared.
func (s *Service) Cancel(id uuid.UUID) error {
	s.arenaMu.RLock()
	e, ok := s.arena[id]
	s.arenaMu.RUnlock()
	if !ok {
		return &errs.InstanceNotFound{InstanceID: id.String()}
	}

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Service) acquireSlot(ctx context.Context) error {
	if s.cfg.OverloadMode == OverloadReject {
		if !s.pool.TryAcquire(1) {
			return &errs.Overloaded{MaxParallelExecutions: int(s.cfg.MaxParallelExecutions)}
		}
		return nil
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.QueueWaitTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.QueueWaitTimeout)
		defer cancel()
	}
	if err := s.pool.Acquire(waitCtx, 1); err != nil {
		return &errs.Overloaded{MaxParallelExecutions: int(s.cfg.MaxParallelExecutions)}
	}
	return nil
}

func (s *Service) run(ctx context.Context, id uuid.UUID, inst *workflow.WorkflowInstance, tc *taskcontext.TaskContext) {
	defer s.pool.Release(1)

	final, _ := s.engine.Run(ctx, inst, tc)

	s.arenaMu.RLock()
	e, ok := s.arena[id]
	s.arenaMu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.instance = final
	e.cancel = nil
	e.mu.Unlock()

	// Use a fresh context rather than the run's own ctx: a cancelled run
	// must still get its WorkflowCancelled event appended, not lose it to
	// the same cancellation that produced it.
	_ = s.appendTerminal(context.Background(), final)
}

// GetStatus projects a status snapshot for the named instance.
func (s *Service) GetStatus(id uuid.UUID) (StatusView, error) {
	s.arenaMu.RLock()
	e, ok := s.arena[id]
	s.arenaMu.RUnlock()
	if !ok {
		return StatusView{}, &errs.InstanceNotFound{InstanceID: id.String()}
	}

	e.mu.Lock()
	inst := e.instance
	e.mu.Unlock()

	return StatusView{
		ID:          inst.ID,
		WorkflowType: inst.Workflow.WorkflowType,
		Status:      inst.Status,
		Progress:    inst.Progress(),
		Outputs:     inst.Outputs,
		Error:       inst.Error,
		CreatedAt:   inst.CreatedAt,
		StartedAt:   inst.StartedAt,
		CompletedAt: inst.CompletedAt,
	}, nil
}

// StatusView is the read-only snapshot returned by GetStatus and
// ListInstances — never the mutable WorkflowInstance itself, so callers
// can't reach back into the runtime.
type StatusView struct {
	ID           uuid.UUID
	WorkflowType string
	Status       workflow.Status
	Progress     workflow.Progress
	Outputs      any
	Error        *errs.StepError
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ListInstances returns a page of status summaries, ordered by creation
// time descending (most recent first). offset/limit behave like a SQL
// LIMIT/OFFSET pair; limit<=0 means "no limit".
func (s *Service) ListInstances(offset, limit int) []StatusView {
	s.arenaMu.RLock()
	entries := make([]*entry, 0, len(s.arena))
	for _, e := range s.arena {
		entries = append(entries, e)
	}
	s.arenaMu.RUnlock()

	views := make([]StatusView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		inst := e.instance
		e.mu.Unlock()
		views = append(views, StatusView{
			ID:           inst.ID,
			WorkflowType: inst.Workflow.WorkflowType,
			Status:       inst.Status,
			Progress:     inst.Progress(),
			CreatedAt:    inst.CreatedAt,
			StartedAt:    inst.StartedAt,
			CompletedAt:  inst.CompletedAt,
		})
	}

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })

	if offset < 0 {
		offset = 0
	}
	if offset >= len(views) {
		return []StatusView{}
	}
	views = views[offset:]
	if limit > 0 && limit < len(views) {
		views = views[:limit]
	}
	return views
}
