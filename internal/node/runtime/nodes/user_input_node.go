// Package nodes provides built-in node implementations
package nodes

import (
	"context"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// UserInputNode suspends the execution indefinitely until a matching
// user_input signal is delivered. It uses the same Suspension mechanism
// as DelayNode, with no ResumeAt (indefinite) instead of a timer.
type UserInputNode struct{}

func NewUserInputNode() *UserInputNode { return &UserInputNode{} }

func (n *UserInputNode) GetType() string { return "user-input" }

func (n *UserInputNode) Validate(config map[string]interface{}) error { return nil }

func (n *UserInputNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "user-input",
		Name:        "User Input",
		Description: "Suspend the execution until a user_input signal is received",
		Category:    "core",
		Icon:        "user",
		Color:       "#FF9800",
		Version:     "1.0.0",
		Inputs:      []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Input data"}},
		Outputs:     []runtime.PortDefinition{{Name: "main", Type: "any", Description: "The delivered signal payload"}},
		Properties: []runtime.PropertyDefinition{
			{Name: "prompt", Type: "string", Description: "Prompt shown to the user awaiting input"},
		},
	}
}

func (n *UserInputNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{}), Logs: []runtime.LogEntry{}}

	if input.Resume == nil {
		output.Suspend = &runtime.Suspension{Reason: "user-input"}
		output.Logs = append(output.Logs, runtime.LogEntry{
			Level: "info", Message: "suspended awaiting user input",
			Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
		})
		return output, nil
	}

	if m, ok := input.Resume.Payload.(map[string]interface{}); ok {
		output.Data = m
	} else {
		output.Data["value"] = input.Resume.Payload
	}
	output.Logs = append(output.Logs, runtime.LogEntry{
		Level: "info", Message: "resumed with delivered signal",
		Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
	})
	return output, nil
}

func init() {
	runtime.Register(NewUserInputNode())
}
