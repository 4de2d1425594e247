// Package events defines the cross-process domain events the platform
// mirrors onto its message broker: workflow lifecycle, execution
// lifecycle, node transitions, and trigger fires.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event
type EventType string

const (
	// Workflow events
	WorkflowCreated   EventType = "workflow.created"
	WorkflowUpdated   EventType = "workflow.updated"
	WorkflowDeleted   EventType = "workflow.deleted"
	WorkflowActivated EventType = "workflow.activated"
	WorkflowReverted  EventType = "workflow.reverted"

	// Execution events
	ExecutionStarted   EventType = "execution.started"
	ExecutionCompleted EventType = "execution.completed"
	ExecutionFailed    EventType = "execution.failed"
	ExecutionCancelled EventType = "execution.cancelled"

	// Node events
	NodeStarted   EventType = "node.started"
	NodeCompleted EventType = "node.completed"
	NodeFailed    EventType = "node.failed"
	LogAppended   EventType = "log.appended"

	// Trigger events
	TriggerFired   EventType = "trigger.fired"
	WebhookReceived EventType = "webhook.received"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	UserID        string          `json:"userId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata contains event metadata
type Metadata struct {
	CorrelationID string            `json:"correlationId,omitempty"`
	CausationID   string            `json:"causationId,omitempty"`
	Source        string            `json:"source,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, aggregateID, aggregateType string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		Version:       1,
		Data:          dataBytes,
	}, nil
}

// WithUser sets the user ID
func (e *Event) WithUser(userID string) *Event {
	e.UserID = userID
	return e
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.Metadata.CorrelationID = correlationID
	return e
}

// WithSource sets the source service
func (e *Event) WithSource(source string) *Event {
	e.Metadata.Source = source
	return e
}

// GetData unmarshals the event data into the provided type
func (e *Event) GetData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Topic returns the broker topic for this event.
func (e *Event) Topic() string {
	switch e.Type {
	case WorkflowCreated, WorkflowUpdated, WorkflowDeleted, WorkflowActivated, WorkflowReverted:
		return "flowmaestro.workflow.events"
	case ExecutionStarted, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return "flowmaestro.execution.events"
	case NodeStarted, NodeCompleted, NodeFailed, LogAppended:
		return "flowmaestro.node.events"
	case TriggerFired, WebhookReceived:
		return "flowmaestro.trigger.events"
	default:
		return "flowmaestro.default.events"
	}
}

// ExecutionStartedData contains data for execution started event
type ExecutionStartedData struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	TriggerType string                 `json:"triggerType"`
	InputData   map[string]interface{} `json:"inputData,omitempty"`
}

// ExecutionCompletedData contains data for execution completed event
type ExecutionCompletedData struct {
	ExecutionID string `json:"executionId"`
	WorkflowID  string `json:"workflowId"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"durationMs"`
}

// ExecutionFailedData contains data for execution failed event
type ExecutionFailedData struct {
	ExecutionID string `json:"executionId"`
	WorkflowID  string `json:"workflowId"`
	Error       string `json:"error"`
	FailedNode  string `json:"failedNode,omitempty"`
}

// NodeTransitionData contains data for node lifecycle events
type NodeTransitionData struct {
	ExecutionID string `json:"executionId"`
	WorkflowID  string `json:"workflowId"`
	NodeName    string `json:"nodeName"`
	Status      string `json:"status"`
}

// TriggerFiredData contains data for trigger fired events
type TriggerFiredData struct {
	TriggerID   string    `json:"triggerId"`
	WorkflowID  string    `json:"workflowId"`
	ExecutionID string    `json:"executionId"`
	Kind        string    `json:"kind"`
	FiredAt     time.Time `json:"firedAt"`
}
