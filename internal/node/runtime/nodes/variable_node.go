// Package nodes provides built-in node implementations
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// VariableNode is the "variable" node type: get/set/delete against one
// of the three variable scopes (workflow/global/temporary) exposed by
// the engine's VariableStore.
type VariableNode struct{}

func NewVariableNode() *VariableNode { return &VariableNode{} }

func (n *VariableNode) GetType() string { return "variable" }

func (n *VariableNode) Validate(config map[string]interface{}) error {
	op := getStringConfig(config, "operation", "get")
	switch op {
	case "get", "set", "delete":
	default:
		return fmt.Errorf("unknown variable operation %q", op)
	}
	scope := getStringConfig(config, "scope", "workflow")
	switch runtime.VariableScope(scope) {
	case runtime.VariableScopeWorkflow, runtime.VariableScopeGlobal, runtime.VariableScopeTemporary:
	default:
		return fmt.Errorf("unknown variable scope %q", scope)
	}
	if getStringConfig(config, "key", "") == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}

func (n *VariableNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "variable",
		Name:        "Variable",
		Description: "Get, set, or delete a workflow/global/temporary scoped variable",
		Category:    "core",
		Icon:        "tag",
		Color:       "#2196F3",
		Version:     "1.0.0",
		Inputs:      []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Input data"}},
		Outputs:     []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Variable value (get) or pass-through (set/delete)"}},
		Properties: []runtime.PropertyDefinition{
			{Name: "operation", Type: "select", Required: true, Default: "get", Options: []runtime.PropertyOption{
				{Label: "Get", Value: "get"}, {Label: "Set", Value: "set"}, {Label: "Delete", Value: "delete"},
			}},
			{Name: "scope", Type: "select", Required: true, Default: "workflow", Options: []runtime.PropertyOption{
				{Label: "Workflow", Value: "workflow"}, {Label: "Global", Value: "global"}, {Label: "Temporary", Value: "temporary"},
			}},
			{Name: "key", Type: "string", Required: true, Description: "Variable name"},
			{Name: "value", Type: "json", Description: "Value to set (for set operation)"},
		},
	}
}

func (n *VariableNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	startTime := time.Now()
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{}), Logs: []runtime.LogEntry{}}

	if input.Context == nil || input.Context.Vars == nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindServer, "no variable store available in execution context", nil)
		return output, nil
	}

	op := getStringConfig(input.NodeConfig, "operation", "get")
	scope := runtime.VariableScope(getStringConfig(input.NodeConfig, "scope", "workflow"))
	key := getStringConfig(input.NodeConfig, "key", "")

	switch op {
	case "get":
		val, ok := input.Context.Vars.Get(scope, key)
		output.Data["value"] = val
		output.Data["found"] = ok
	case "set":
		input.Context.Vars.Set(scope, key, input.NodeConfig["value"])
		output.Data["value"] = input.NodeConfig["value"]
	case "delete":
		input.Context.Vars.Delete(scope, key)
	default:
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("unknown operation %q", op), nil)
		return output, nil
	}

	output.Logs = append(output.Logs, runtime.LogEntry{
		Level: "info", Message: fmt.Sprintf("variable %s %s/%s", op, scope, key),
		Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
	})
	output.Metrics = runtime.ExecutionMetrics{
		StartTime: startTime.UnixMilli(), EndTime: time.Now().UnixMilli(),
		DurationMs: time.Since(startTime).Milliseconds(),
	}
	return output, nil
}

func init() {
	runtime.Register(NewVariableNode())
}
