package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the orchestration-level outcome of one pipeline run
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
	ExecutionAborted   ExecutionStatus = "ABORTED"
)

// IsTerminal reports whether the execution has stopped
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionRunning && s != ""
}

// Execution is one running (or finished) orchestration instance.
// Input is the JSON-encoded JobStartRequest; Context is the merged stage
// context as of the last completed backbone stage.
type Execution struct {
	ID           string          `json:"execution_id"`
	StateMachine string          `json:"state_machine"`
	JobID        string          `json:"job_id"`
	Status       ExecutionStatus `json:"status"`
	Input        string          `json:"input"`
	Output       string          `json:"output,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	CurrentStage string          `json:"current_stage,omitempty"`
	NextStage    int             `json:"next_stage"`
	Error        string          `json:"error,omitempty"`
	Cause        string          `json:"cause,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	StoppedAt    *time.Time      `json:"stopped_at,omitempty"`

	// NotifiedAt is set once the terminal event has been accepted by the
	// notifier. Stopped executions without it are redelivered.
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

// HistoryEventType names a step in an execution's event log
type HistoryEventType string

const (
	EventExecutionStarted     HistoryEventType = "ExecutionStarted"
	EventTaskStateEntered     HistoryEventType = "TaskStateEntered"
	EventTaskScheduled        HistoryEventType = "TaskScheduled"
	EventTaskSucceeded        HistoryEventType = "TaskSucceeded"
	EventTaskFailed           HistoryEventType = "TaskFailed"
	EventLambdaFunctionFailed HistoryEventType = "LambdaFunctionFailed"
	EventMapIterationFailed   HistoryEventType = "MapIterationFailed"
	EventExecutionFailed      HistoryEventType = "ExecutionFailed"
	EventExecutionSucceeded   HistoryEventType = "ExecutionSucceeded"
	EventExecutionTimedOut    HistoryEventType = "ExecutionTimedOut"
	EventExecutionAborted     HistoryEventType = "ExecutionAborted"
)

// IsFailure reports whether the event is one of the failure kinds used to
// enrich a job's error message
func (t HistoryEventType) IsFailure() bool {
	switch t {
	case EventExecutionFailed, EventLambdaFunctionFailed, EventTaskFailed:
		return true
	}
	return false
}

// HistoryEvent is one entry of an execution's append-only history.
// ID is assigned by the store and increases monotonically per execution.
type HistoryEvent struct {
	ID          int64            `json:"id"`
	ExecutionID string           `json:"execution_id"`
	Type        HistoryEventType `json:"type"`
	Stage       string           `json:"stage,omitempty"`
	ItemIndex   *int             `json:"item_index,omitempty"`
	Attempt     int              `json:"attempt,omitempty"`
	Error       string           `json:"error,omitempty"`
	Cause       string           `json:"cause,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// TerminalEventDetail is the body of a terminal execution notification.
// Input and Output are JSON documents encoded as strings.
type TerminalEventDetail struct {
	ExecutionArn    string          `json:"executionArn"`
	StateMachineArn string          `json:"stateMachineArn"`
	Status          ExecutionStatus `json:"status"`
	Input           string          `json:"input"`
	Output          string          `json:"output,omitempty"`
}

// TerminalEvent is published exactly once per finished execution,
// though delivery to subscribers is at-least-once.
type TerminalEvent struct {
	Source     string              `json:"source,omitempty"`
	DetailType string              `json:"detail-type,omitempty"`
	Time       time.Time           `json:"time"`
	Detail     TerminalEventDetail `json:"detail"`
}

// NewTerminalEvent builds the notification for a finished execution
func NewTerminalEvent(e *Execution, now time.Time) TerminalEvent {
	return TerminalEvent{
		Source:     "media-pipeline.orchestrator",
		DetailType: "Execution Status Change",
		Time:       now,
		Detail: TerminalEventDetail{
			ExecutionArn:    e.ID,
			StateMachineArn: e.StateMachine,
			Status:          e.Status,
			Input:           e.Input,
			Output:          e.Output,
		},
	}
}
