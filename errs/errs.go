// Package errs defines the shared error taxonomy used across the engine.
//
// Every error kind carries structured context rather than a bare string, so
// callers can branch on kind (errors.As) instead of parsing messages. The
// taxonomy mirrors the error families the runtime must distinguish:
// validation, structural, concurrency, serialisation, external failure,
// budget, cancellation and internal invariant violations.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for reference-equality checks via errors.Is.
var (
	// ErrCancelled marks an instance terminated by cooperative cancellation.
	// Cancellation is a terminal status, never a workflow-level failure.
	ErrCancelled = errors.New("cancelled")

	// ErrNodeOutputNotProduced is returned by TaskContext.GetNodeData when
	// the requested node has not completed yet.
	ErrNodeOutputNotProduced = errors.New("node output not produced")

	// ErrNotConfigured marks a budget limit of zero, treated as "not
	// configured": no gating, no percentage reporting.
	ErrNotConfigured = errors.New("budget scope not configured")
)

// InstanceNotFound is returned when a lookup names an instance id the
// lifecycle service has no record of.
type InstanceNotFound struct {
	InstanceID string
}

func (e *InstanceNotFound) Error() string {
	return fmt.Sprintf("instance %q not found", e.InstanceID)
}

// WorkflowNotFound is returned when Trigger names a workflow type with no
// registered definition.
type WorkflowNotFound struct {
	WorkflowType string
}

func (e *WorkflowNotFound) Error() string {
	return fmt.Sprintf("workflow type %q not registered", e.WorkflowType)
}

// TemplateNotFound is returned when TriggerTemplate names an unregistered
// template id.
type TemplateNotFound struct {
	TemplateID string
}

func (e *TemplateNotFound) Error() string {
	return fmt.Sprintf("template %q not found", e.TemplateID)
}

// Overloaded is returned when the lifecycle service's bounded worker pool
// has no free slot: at once in reject mode, and in queue mode when the
// wait for a slot fails or times out (spec §5.9).
type Overloaded struct {
	MaxParallelExecutions int
}

func (e *Overloaded) Error() string {
	return fmt.Sprintf("lifecycle service overloaded: at capacity (max %d concurrent executions)", e.MaxParallelExecutions)
}

// ValidationError covers malformed input, unknown workflow names, schema
// mismatches on GetEventData, and missing required upstream node output.
type ValidationError struct {
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation: %s", e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// CycleDetected is raised by the workflow builder when a back-edge is found
// during structural validation.
type CycleDetected struct {
	Path []string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("cycle detected through nodes %v", e.Path)
}

// UnreachableNodes is raised when nodes exist in a schema but are not
// reachable by BFS from the start node.
type UnreachableNodes struct {
	IDs []string
}

func (e *UnreachableNodes) Error() string {
	return fmt.Sprintf("unreachable nodes: %v", e.IDs)
}

// InvalidRouter is raised when a non-router node declares more than one
// outgoing connection.
type InvalidRouter struct {
	NodeID string
}

func (e *InvalidRouter) Error() string {
	return fmt.Sprintf("node %q has more than one outgoing connection but is not a router", e.NodeID)
}

// NodeNotFound is raised when a connection or parallel reference names a
// node id absent from the registry.
type NodeNotFound struct {
	NodeID string
}

func (e *NodeNotFound) Error() string {
	return fmt.Sprintf("node %q not found in registry", e.NodeID)
}

// ConfigurationError covers malformed builder metadata, unreachable
// migration chains, and other static configuration problems.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// ConcurrencyConflict is returned by the event store when an append's
// expected aggregate_version does not match the actual current version.
type ConcurrencyConflict struct {
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, actual %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

// ChecksumMismatch is returned when a stored envelope's checksum does not
// match the checksum recomputed over its fields at read time.
type ChecksumMismatch struct {
	EventID string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for event %s", e.EventID)
}

// SerialisationError covers encode/decode failures, unknown schema
// versions, and migrator refusals.
type SerialisationError struct {
	Message string
	Cause   error
}

func (e *SerialisationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("serialisation: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("serialisation: %s", e.Message)
}

func (e *SerialisationError) Unwrap() error { return e.Cause }

// TimeoutError marks an external-collaborator operation that exceeded its
// deadline.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Operation)
}

// NetworkError wraps a transport-level failure talking to an external
// collaborator.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// ProviderError wraps an AI provider's own error response.
type ProviderError struct {
	Provider string
	Code     string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s error [%s]: %v", e.Provider, e.Code, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// BudgetExceeded is raised when check_budget_allowed denies a spend.
type BudgetExceeded struct {
	Scope     string
	LimitType string
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: scope=%s limit_type=%s", e.Scope, e.LimitType)
}

// InternalError marks an invariant violation: fatal to the instance, not
// the process.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("internal: %s", e.Message)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// StepError carries the status-response shape for a failed step:
// {message, code, step_id?, details?}.
type StepError struct {
	Message string
	Code    string
	StepID  string
	Details map[string]any
}

func (e *StepError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// FromError classifies an arbitrary error into the {message, code, step_id,
// details} shape used by the status response (spec §6/§7).
func FromError(err error, stepID string) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	code := "INTERNAL"
	switch {
	case errors.Is(err, ErrCancelled):
		code = "CANCELLED"
	case asType[*BudgetExceeded](err):
		code = "BUDGET_EXCEEDED"
	case asType[*TimeoutError](err):
		code = "TIMEOUT"
	case asType[*ValidationError](err):
		code = "VALIDATION"
	case asType[*ConcurrencyConflict](err):
		code = "CONCURRENCY_CONFLICT"
	case asType[*ConfigurationError](err):
		code = "CONFIGURATION_ERROR"
	}
	return &StepError{Message: err.Error(), Code: code, StepID: stepID}
}

func asType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
