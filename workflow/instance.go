package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/cortexflow/engine/errs"
)

// Status is the overall lifecycle state of a WorkflowInstance.
type Status string

const (
	StatusCreated   Status = "Created"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// StepStatus is the lifecycle state of one node's StepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepRunning   StepStatus = "Running"
	StepCompleted StepStatus = "Completed"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
)

// StepExecution is the per-node execution record within an instance.
type StepExecution struct {
	Status      StepStatus
	Output      any
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *errs.StepError
	Attempt     uint32
}

// WorkflowInstance is one execution of a workflow definition.
//
// Ownership: the lifecycle service exclusively owns the mutable instance
// map; the runtime receives an owned instance, mutates it, and returns the
// final value (spec §3).
type WorkflowInstance struct {
	ID          uuid.UUID
	Workflow    *WorkflowSchema
	Inputs      any
	Status      Status
	Steps       map[string]*StepExecution
	Outputs     any
	Error       *errs.StepError
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewInstance constructs a fresh instance in Created status with a
// Pending StepExecution placeholder for every node in the schema.
func NewInstance(schema *WorkflowSchema, inputs any) *WorkflowInstance {
	steps := make(map[string]*StepExecution, len(schema.Nodes))
	for id := range schema.Nodes {
		steps[id] = &StepExecution{Status: StepPending}
	}
	return &WorkflowInstance{
		ID:        uuid.New(),
		Workflow:  schema,
		Inputs:    inputs,
		Status:    StatusCreated,
		Steps:     steps,
		CreatedAt: time.Now().UTC(),
	}
}

// Progress is the {completed, failed, running, total, percentage} tuple
// reported by the status view (spec §4.9/§6).
type Progress struct {
	Total     int
	Completed int
	Failed    int
	Running   int
	Percent   int
}

// Progress computes the progress tuple from the instance's current step
// statuses. percentage = min(100, floor(100*completed/total)) when
// total>0, else 0 (spec §8 property 7).
func (wi *WorkflowInstance) Progress() Progress {
	p := Progress{Total: len(wi.Steps)}
	for _, s := range wi.Steps {
		switch s.Status {
		case StepCompleted, StepSkipped:
			p.Completed++
		case StepFailed:
			p.Failed++
		case StepRunning:
			p.Running++
		}
	}
	if p.Total > 0 {
		pct := (100 * p.Completed) / p.Total
		if pct > 100 {
			pct = 100
		}
		p.Percent = pct
	}
	return p
}
