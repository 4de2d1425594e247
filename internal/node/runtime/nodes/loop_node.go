package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// LoopNode is the "loop" node type. Iteration itself is driven by the
// engine: the subgraph hanging off the node's "loop" handle runs once
// per item with `item`/`index` bound in scope, and the aggregated
// results exit on the "done" handle. This executor only resolves the
// collection, which is also the whole behavior when a loop has no body
// subgraph (the items pass through unchanged).
type LoopNode struct{}

func NewLoopNode() *LoopNode { return &LoopNode{} }

func (n *LoopNode) GetType() string { return "loop" }

func (n *LoopNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "loop",
		Name:        "Loop",
		Description: "Run the loop-handle subgraph once per item of a collection",
		Category:    "core",
		Icon:        "repeat",
		Color:       "#673AB7",
		Version:     "2.0.0",
		Inputs: []runtime.PortDefinition{
			{Name: "main", Type: "any", Required: true, Description: "Collection source"},
		},
		Outputs: []runtime.PortDefinition{
			{Name: "loop", Type: "any", Description: "Body subgraph, entered once per item"},
			{Name: "done", Type: "any", Description: "Aggregated results, in input order"},
		},
		Properties: []runtime.PropertyDefinition{
			{Name: "items", Type: "json", Description: "Collection to iterate; falls back to the input's items field"},
			{Name: "itemsPath", Type: "string", Description: "Dotted path into the input naming the collection"},
		},
	}
}

func (n *LoopNode) Validate(config map[string]interface{}) error {
	if raw, ok := config["items"]; ok && raw != nil {
		switch raw.(type) {
		case []interface{}, string:
		default:
			return fmt.Errorf("items must be an array or an interpolated path")
		}
	}
	return nil
}

// Execute covers the direct-invocation path (a loop with no body
// subgraph): the resolved collection passes through on "done".
func (n *LoopNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{})}

	items, err := ResolveLoopItems(input.NodeConfig, input.InputData)
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
		return output, nil
	}

	output.Data["results"] = items
	output.Data["count"] = len(items)
	output.Data["_output"] = "done"
	output.Logs = []runtime.LogEntry{{
		Level:     "info",
		Message:   fmt.Sprintf("resolved collection of %d item(s)", len(items)),
		Timestamp: time.Now().UnixMilli(),
		NodeID:    input.NodeID,
	}}
	return output, nil
}

// ResolveLoopItems resolves the collection a loop iterates, in
// precedence order: the interpolated "items" config value, a dotted
// "itemsPath" into the input, the input's "items" field, then the
// whole input as a single item. The engine's loop driver applies the
// same precedence so both paths agree on what iterates.
func ResolveLoopItems(config, inputData map[string]interface{}) ([]interface{}, error) {
	if raw, ok := config["items"]; ok && raw != nil {
		if arr, ok := raw.([]interface{}); ok {
			return arr, nil
		}
		if s, ok := raw.(string); ok && s != "" {
			return nil, fmt.Errorf("loop items %q did not resolve to an array", s)
		}
	}
	if path, ok := config["itemsPath"].(string); ok && path != "" {
		value := getFieldValue(inputData, path)
		arr, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("itemsPath %q is not an array", path)
		}
		return arr, nil
	}
	if arr, ok := inputData["items"].([]interface{}); ok {
		return arr, nil
	}
	if len(inputData) == 0 {
		return nil, nil
	}
	return []interface{}{inputData}, nil
}

func init() {
	runtime.Register(NewLoopNode())
}
