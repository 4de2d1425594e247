package model

import "time"

// DomainEvent interface for all domain events
type DomainEvent interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
}

// WorkflowCreatedEvent is raised when a workflow is created
type WorkflowCreatedEvent struct {
	WorkflowID WorkflowID
	UserID     string
	Name       string
	CreatedAt  time.Time
}

func (e WorkflowCreatedEvent) EventType() string     { return "workflow.created" }
func (e WorkflowCreatedEvent) AggregateID() string   { return e.WorkflowID.String() }
func (e WorkflowCreatedEvent) OccurredAt() time.Time { return e.CreatedAt }

// WorkflowDefinitionChangedEvent is raised whenever SetDefinition bumps
// the version counter (covers both normal edits and reverts).
type WorkflowDefinitionChangedEvent struct {
	WorkflowID WorkflowID
	Version    int
	ChangedAt  time.Time
}

func (e WorkflowDefinitionChangedEvent) EventType() string     { return "workflow.definition_changed" }
func (e WorkflowDefinitionChangedEvent) AggregateID() string   { return e.WorkflowID.String() }
func (e WorkflowDefinitionChangedEvent) OccurredAt() time.Time { return e.ChangedAt }

// WorkflowDeletedEvent is raised on soft delete.
type WorkflowDeletedEvent struct {
	WorkflowID WorkflowID
	DeletedAt  time.Time
}

func (e WorkflowDeletedEvent) EventType() string     { return "workflow.deleted" }
func (e WorkflowDeletedEvent) AggregateID() string   { return e.WorkflowID.String() }
func (e WorkflowDeletedEvent) OccurredAt() time.Time { return e.DeletedAt }
