package dto

import (
	"errors"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/journal"
)

// StartExecutionRequest represents a request to start an execution
type StartExecutionRequest struct {
	WorkflowID string                 `json:"workflowId"`
	InputData  map[string]interface{} `json:"inputData,omitempty"`
}

// Validate validates the start execution request
func (r *StartExecutionRequest) Validate() error {
	if r.WorkflowID == "" {
		return errors.New("workflow ID is required")
	}
	return nil
}

// SubmitInputRequest delivers a user_input signal. SignalID is the
// caller's monotonically increasing sequence for at-least-once
// deduplication; zero lets the server assign the next id.
type SubmitInputRequest struct {
	SignalID int64       `json:"signalId,omitempty"`
	Input    interface{} `json:"input"`
}

// ExecutionResponse represents an execution response
type ExecutionResponse struct {
	ID              string                           `json:"id"`
	WorkflowID      string                           `json:"workflowId"`
	WorkflowVersion int                              `json:"workflowVersion"`
	UserID          string                           `json:"userId"`
	TriggerType     string                           `json:"triggerType"`
	Status          string                           `json:"status"`
	Queued          bool                             `json:"queued,omitempty"`
	InputData       map[string]interface{}           `json:"inputData,omitempty"`
	OutputData      map[string]interface{}           `json:"outputData,omitempty"`
	Error           *ExecutionError                  `json:"error,omitempty"`
	FailedNode      string                           `json:"failedNodeName,omitempty"`
	NodeExecutions  map[string]NodeExecutionResponse `json:"nodeExecutions,omitempty"`
	StartedAt       *time.Time                       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time                       `json:"completedAt,omitempty"`
	DurationMs      int64                            `json:"durationMs,omitempty"`
	CreatedAt       time.Time                        `json:"createdAt"`
}

// NodeExecutionResponse represents a node execution response
type NodeExecutionResponse struct {
	NodeID      string          `json:"nodeId"`
	NodeType    string          `json:"nodeType"`
	Status      string          `json:"status"`
	Error       *ExecutionError `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	DurationMs  int64           `json:"durationMs,omitempty"`
	RetryCount  int             `json:"retryCount"`
}

// ExecutionError represents an execution error
type ExecutionError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ListExecutionsResponse represents a list of executions response
type ListExecutionsResponse struct {
	Items      []ExecutionResponse `json:"items"`
	Total      int64               `json:"total"`
	Pagination Pagination          `json:"pagination"`
}

// Pagination represents pagination information
type Pagination struct {
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Total  int64 `json:"total"`
}

// LogEntry is one journal record of the execution's log stream.
type LogEntry struct {
	Sequence  int64     `json:"sequence"`
	Level     string    `json:"level"`
	NodeID    string    `json:"nodeId,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionLogsResponse represents execution logs response
type ExecutionLogsResponse struct {
	ExecutionID string     `json:"executionId"`
	Logs        []LogEntry `json:"logs"`
}

// FromModel maps an execution aggregate to its response shape.
func FromModel(execution *model.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:              execution.ID().String(),
		WorkflowID:      execution.WorkflowID(),
		WorkflowVersion: execution.WorkflowVersion(),
		UserID:          execution.UserID(),
		TriggerType:     string(execution.TriggerType()),
		Status:          string(execution.Status()),
		InputData:       execution.InputData(),
		OutputData:      execution.OutputData(),
		FailedNode:      execution.FailedNode(),
		StartedAt:       execution.StartedAt(),
		CompletedAt:     execution.CompletedAt(),
		DurationMs:      execution.DurationMs(),
		CreatedAt:       execution.CreatedAt(),
	}
	if err := execution.Error(); err != nil {
		resp.Error = &ExecutionError{Code: err.Code, Message: err.Message, Details: err.Details}
	}
	if nodes := execution.NodeExecutions(); len(nodes) > 0 {
		resp.NodeExecutions = make(map[string]NodeExecutionResponse, len(nodes))
		for name, ne := range nodes {
			nr := NodeExecutionResponse{
				NodeID:      ne.NodeID,
				NodeType:    ne.NodeType,
				Status:      string(ne.Status),
				StartedAt:   ne.StartedAt,
				CompletedAt: ne.CompletedAt,
				DurationMs:  ne.DurationMs,
				RetryCount:  ne.RetryCount,
			}
			if ne.Error != nil {
				nr.Error = &ExecutionError{Code: ne.Error.Code, Message: ne.Error.Message, Details: ne.Error.Details}
			}
			resp.NodeExecutions[name] = nr
		}
	}
	return resp
}

// LogFromJournal maps a journal entry to its response shape.
func LogFromJournal(e journal.Entry) LogEntry {
	return LogEntry{
		Sequence:  e.Sequence,
		Level:     string(e.Level),
		NodeID:    e.NodeID,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
}
