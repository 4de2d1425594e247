package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleDefinition() Definition {
	return Definition{
		Name: "Test",
		Nodes: map[string]Node{
			"n1": {Name: "n1", Type: "http", Config: map[string]interface{}{}},
			"n2": {Name: "n2", Type: "transform", Config: map[string]interface{}{}},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
		},
		EntryPoint: "n1",
	}
}

func TestNewWorkflow(t *testing.T) {
	tests := []struct {
		name         string
		userID       string
		workflowName string
		wantErr      bool
	}{
		{name: "valid workflow", userID: "user-123", workflowName: "Test Workflow", wantErr: false},
		{name: "empty name", userID: "user-123", workflowName: "", wantErr: true},
		{name: "empty userID", userID: "", workflowName: "Test Workflow", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workflow, err := NewWorkflow(tt.userID, tt.workflowName, simpleDefinition())

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, workflow)
			} else {
				require.NoError(t, err)
				require.NotNil(t, workflow)

				assert.Equal(t, tt.workflowName, workflow.Name())
				assert.Equal(t, tt.userID, workflow.OwnerID())
				assert.Equal(t, WorkflowStatusActive, workflow.Status())
				assert.Equal(t, 1, workflow.Version())
				assert.NotEmpty(t, workflow.ID())
			}
		})
	}
}

func TestDefinitionValidateRejectsUnknownEntryPoint(t *testing.T) {
	def := simpleDefinition()
	def.EntryPoint = "missing"
	_, err := NewWorkflow("user-123", "Test", def)
	assert.Error(t, err)
}

func TestDefinitionValidateRejectsCycle(t *testing.T) {
	def := Definition{
		Name: "Cyclic",
		Nodes: map[string]Node{
			"n1": {Name: "n1", Type: "http"},
			"n2": {Name: "n2", Type: "http"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n1"},
		},
		EntryPoint: "n1",
	}
	assert.Error(t, def.Validate())
}

func TestWorkflowSetDefinitionBumpsVersion(t *testing.T) {
	workflow, err := NewWorkflow("user-123", "Test", simpleDefinition())
	require.NoError(t, err)
	assert.Equal(t, 1, workflow.Version())

	next := simpleDefinition()
	next.Name = "Test v2"
	v, err := workflow.SetDefinition(next)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 2, workflow.Version())
	assert.Equal(t, "Test v2", workflow.Definition().Name)
}

func TestWorkflowStatusTransitions(t *testing.T) {
	workflow, err := NewWorkflow("user-123", "Test", simpleDefinition())
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusActive, workflow.Status())

	require.NoError(t, workflow.Deactivate())
	assert.Equal(t, WorkflowStatusInactive, workflow.Status())

	require.NoError(t, workflow.Activate())
	assert.Equal(t, WorkflowStatusActive, workflow.Status())

	require.NoError(t, workflow.SoftDelete())
	assert.True(t, workflow.IsDeleted())
	assert.Equal(t, WorkflowStatusArchived, workflow.Status())
}

func TestWorkflowSoftDeleteRejectsFurtherEdits(t *testing.T) {
	workflow, err := NewWorkflow("user-123", "Test", simpleDefinition())
	require.NoError(t, err)
	require.NoError(t, workflow.SoftDelete())

	_, err = workflow.SetDefinition(simpleDefinition())
	assert.Error(t, err)
}
