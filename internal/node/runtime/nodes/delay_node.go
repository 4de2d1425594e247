// Package nodes provides built-in node implementations
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// DelayNode is the "delay" node type. It never blocks a goroutine on
// the wait: on first dispatch it reports a Suspension so the engine
// can durably park the execution and resume it from a timer, surviving
// a process restart mid-wait.
type DelayNode struct{}

func NewDelayNode() *DelayNode { return &DelayNode{} }

func (n *DelayNode) GetType() string { return "delay" }

func (n *DelayNode) Validate(config map[string]interface{}) error {
	if getIntConfig(config, "amount", 1) < 0 {
		return fmt.Errorf("delay amount cannot be negative")
	}
	return nil
}

func (n *DelayNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "delay",
		Name:        "Delay",
		Description: "Suspend the execution for a specified duration",
		Category:    "core",
		Icon:        "clock",
		Color:       "#9E9E9E",
		Version:     "1.0.0",
		Inputs:      []runtime.PortDefinition{{Name: "main", Type: "any", Required: true, Description: "Input data"}},
		Outputs:     []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Data after delay"}},
		Properties: []runtime.PropertyDefinition{
			{Name: "amount", Type: "number", Default: 1, Required: true, Description: "Amount to wait"},
			{Name: "unit", Type: "select", Default: "seconds", Options: []runtime.PropertyOption{
				{Label: "Milliseconds", Value: "milliseconds"},
				{Label: "Seconds", Value: "seconds"},
				{Label: "Minutes", Value: "minutes"},
				{Label: "Hours", Value: "hours"},
			}},
		},
	}
}

func delayDuration(config map[string]interface{}) time.Duration {
	amount := getIntConfig(config, "amount", 1)
	switch getStringConfig(config, "unit", "seconds") {
	case "milliseconds":
		return time.Duration(amount) * time.Millisecond
	case "minutes":
		return time.Duration(amount) * time.Minute
	case "hours":
		return time.Duration(amount) * time.Hour
	default:
		return time.Duration(amount) * time.Second
	}
}

// Execute reports a Suspension on first dispatch (input.Resume == nil)
// and finalizes the node's output once the engine re-enters it after
// the timer fires.
func (n *DelayNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	output := &runtime.ExecutionOutput{Data: input.InputData, Logs: []runtime.LogEntry{}}

	if input.Resume == nil {
		resumeAt := time.Now().Add(delayDuration(input.NodeConfig)).UnixMilli()
		output.Suspend = &runtime.Suspension{Reason: "delay", ResumeAt: &resumeAt}
		output.Logs = append(output.Logs, runtime.LogEntry{
			Level: "info", Message: fmt.Sprintf("suspended until %d", resumeAt),
			Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
		})
		return output, nil
	}

	output.Logs = append(output.Logs, runtime.LogEntry{
		Level: "info", Message: "delay elapsed, resuming",
		Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
	})
	return output, nil
}

func init() {
	runtime.Register(NewDelayNode())
}
