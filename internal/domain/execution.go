package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// NormalizeExecutionStatus lowercases and validates a raw status string.
func NormalizeExecutionStatus(raw string) (ExecutionStatus, bool) {
	s := ExecutionStatus(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:   {ExecutionRunning, ExecutionCancelled, ExecutionFailed},
	ExecutionRunning:   {ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionCompleted: {},
	ExecutionFailed:    {},
	ExecutionCancelled: {},
}

// CanTransition reports whether the execution state machine allows from -> to.
// pending -> failed covers dispatch failures and interrupted executions.
func CanTransition(from, to ExecutionStatus) bool {
	for _, candidate := range executionTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// PipelineExecution is one run of a pipeline definition.
type PipelineExecution struct {
	ID                string
	PipelineID        string
	OwnerID           string
	DefinitionVersion int
	Steps             []Step
	Status            ExecutionStatus
	InputData         Data
	OutputData        Data
	ContextData       Data
	ErrorMessage      string
	StepCursor        int
	CancelRequested   bool
	TriggerKey        string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// ExecutionTime is the wall time from start to completion, zero while running.
func (e PipelineExecution) ExecutionTime() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	start := e.CreatedAt
	if e.StartedAt != nil {
		start = *e.StartedAt
	}
	return e.CompletedAt.Sub(start)
}

// Transition returns a copy of e moved to status to, with the fields that
// status owns set and the ones it forbids cleared.
func (e PipelineExecution) Transition(to ExecutionStatus, now time.Time) (PipelineExecution, error) {
	if !CanTransition(e.Status, to) {
		return e, &TransitionError{From: e.Status, To: to}
	}
	now = now.UTC()
	next := e
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case ExecutionRunning:
		next.StartedAt = &now
	case ExecutionCompleted:
		next.CompletedAt = &now
	case ExecutionFailed, ExecutionCancelled:
		next.OutputData = nil
		next.CompletedAt = &now
	}
	if to != ExecutionFailed {
		next.ErrorMessage = ""
	}
	return next, nil
}

// Complete transitions to completed with output as the final output data.
func (e PipelineExecution) Complete(output Data, now time.Time) (PipelineExecution, error) {
	next, err := e.Transition(ExecutionCompleted, now)
	if err != nil {
		return e, err
	}
	next.OutputData = output.Clone()
	return next, nil
}

// Fail transitions to failed recording message.
func (e PipelineExecution) Fail(message string, now time.Time) (PipelineExecution, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "internal error"
	}
	next, err := e.Transition(ExecutionFailed, now)
	if err != nil {
		return e, err
	}
	next.ErrorMessage = message
	return next, nil
}

// Validate checks the output/error presence rules of the status.
func (e PipelineExecution) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("execution id is required")
	}
	if strings.TrimSpace(e.PipelineID) == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if strings.TrimSpace(e.OwnerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.Status == ExecutionCompleted && e.OutputData.Empty() {
		return fmt.Errorf("completed execution requires output data")
	}
	if e.Status != ExecutionCompleted && !e.OutputData.Empty() {
		return fmt.Errorf("output data is only allowed on completed executions")
	}
	if (e.Status == ExecutionFailed) != (strings.TrimSpace(e.ErrorMessage) != "") {
		return fmt.Errorf("error message is required iff status is failed")
	}
	if e.StepCursor < 0 || e.StepCursor > len(e.Steps) {
		return fmt.Errorf("step cursor %d out of range", e.StepCursor)
	}
	return nil
}

// StepStatus is the outcome of one step, or of one attempt while retrying.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepRetried   StepStatus = "retried"
)

// StepOutcome records how one step of an execution ended.
type StepOutcome struct {
	ExecutionID string
	StepIndex   int
	Service     ServiceKind
	Action      string
	Status      StepStatus
	Attempts    int
	Latency     time.Duration
	ResourceID  string
	Error       string
	Output      Data
	TokensUsed  int64
	CostMicros  *int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (o StepOutcome) Succeeded() bool {
	return o.Status == StepSucceeded
}
