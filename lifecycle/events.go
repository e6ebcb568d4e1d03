package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cortexflow/engine/eventstore"
	"github.com/cortexflow/engine/workflow"
)

// aggregateType identifies a workflow instance as an event-sourced
// aggregate within Store, alongside dispatch's own aggregate types.
const aggregateType = "workflow_instance"

const (
	eventWorkflowCreated   = "WorkflowCreated"
	eventWorkflowCompleted = "WorkflowCompleted"
	eventWorkflowFailed    = "WorkflowFailed"
	eventWorkflowCancelled = "WorkflowCancelled"
)

// terminalEventTypes maps an instance's final workflow.Status to the event
// type appendTerminal records. Status values with no entry (StatusCreated,
// StatusRunning) are not terminal and are never passed to appendTerminal.
var terminalEventTypes = map[workflow.Status]string{
	workflow.StatusCompleted: eventWorkflowCompleted,
	workflow.StatusFailed:    eventWorkflowFailed,
	workflow.StatusCancelled: eventWorkflowCancelled,
}

type workflowCreatedData struct {
	WorkflowType string `json:"workflow_type"`
}

type workflowTerminalData struct {
	WorkflowType string `json:"workflow_type"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// appendCreated records an instance's creation as aggregate version 1 (the
// eventstore's AppendEvent treats a nonexistent aggregate as version 0, so
// its first event is version 0+1). A nil Store makes this a no-op,
// matching the Metrics/Budget nil-safe optional-dependency pattern used
// elsewhere in the engine.
func (s *Service) appendCreated(ctx context.Context, inst *workflow.WorkflowInstance) error {
	if s.Store == nil {
		return nil
	}
	data, err := json.Marshal(workflowCreatedData{WorkflowType: inst.Workflow.WorkflowType})
	if err != nil {
		return err
	}
	_, err = s.Store.AppendEvent(ctx, eventstore.EventEnvelope{
		EventID:          uuid.New(),
		AggregateID:      inst.ID,
		AggregateType:    aggregateType,
		EventType:        eventWorkflowCreated,
		AggregateVersion: 1,
		EventData:        data,
		OccurredAt:       inst.CreatedAt,
		RecordedAt:       time.Now().UTC(),
	})
	return err
}

// appendTerminal records an instance's final status as aggregate version 2
// (Created is always version 1; a lifecycle service never replays a
// completed instance back into Running, so there is never a third event).
// A nil Store, or a non-terminal inst.Status, makes this a no-op.
func (s *Service) appendTerminal(ctx context.Context, inst *workflow.WorkflowInstance) error {
	if s.Store == nil {
		return nil
	}
	eventType, ok := terminalEventTypes[inst.Status]
	if !ok {
		return nil
	}

	var errMsg string
	if inst.Error != nil {
		errMsg = inst.Error.Error()
	}
	data, err := json.Marshal(workflowTerminalData{
		WorkflowType: inst.Workflow.WorkflowType,
		Status:       string(inst.Status),
		Error:        errMsg,
	})
	if err != nil {
		return err
	}

	occurredAt := inst.CreatedAt
	if inst.CompletedAt != nil {
		occurredAt = *inst.CompletedAt
	}

	_, err = s.Store.AppendEvent(ctx, eventstore.EventEnvelope{
		EventID:          uuid.New(),
		AggregateID:      inst.ID,
		AggregateType:    aggregateType,
		EventType:        eventType,
		AggregateVersion: 2,
		EventData:        data,
		OccurredAt:       occurredAt,
		RecordedAt:       time.Now().UTC(),
	})
	return err
}
