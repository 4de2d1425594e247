package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// TransformNode applies a sequence of named operations to already-
// interpolated step arguments, building an output map one field at a
// time. Config interpolation happens before Execute is called (the
// engine resolves ${...} placeholders against scope), so every op here
// only ever sees plain values — no placeholder syntax, no eval.
type TransformNode struct{}

// NewTransformNode creates a new transform node.
func NewTransformNode() *TransformNode {
	return &TransformNode{}
}

// transformStep is one entry in the node's "steps" config array.
type transformStep struct {
	Op   string
	As   string
	Args []interface{}
}

func (n *TransformNode) GetType() string {
	return "transform"
}

func (n *TransformNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "transform",
		Name:        "Transform",
		Description: "Apply a sequence of operations to inputs and produce named outputs",
		Category:    "core",
		Icon:        "function",
		Color:       "#7C4DFF",
		Version:     "1.0.0",
		Inputs: []runtime.PortDefinition{
			{Name: "main", Type: "any", Required: true, Description: "Input data"},
		},
		Outputs: []runtime.PortDefinition{
			{Name: "main", Type: "any", Description: "Transformed output"},
		},
		Properties: []runtime.PropertyDefinition{
			{Name: "steps", Type: "json", Required: true, Description: "Ordered list of {op, args, as} operations"},
		},
	}
}

func (n *TransformNode) Validate(config map[string]interface{}) error {
	steps, err := parseTransformSteps(config)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if _, ok := lookupOp(step.Op); !ok {
			return fmt.Errorf("unknown transform operation: %s", step.Op)
		}
	}
	return nil
}

func (n *TransformNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	startTime := time.Now()
	output := &runtime.ExecutionOutput{
		Data: make(map[string]interface{}),
	}

	steps, err := parseTransformSteps(input.NodeConfig)
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
		return output, nil
	}

	for _, step := range steps {
		op, ok := lookupOp(step.Op)
		if !ok {
			nerr := runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("unknown transform operation: %s", step.Op), nil)
			output.Error = nerr
			return output, nil
		}

		result, err := op(step.Args...)
		if err != nil {
			nerr := runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("operation %q failed: %v", step.Op, err), err)
			output.Error = nerr
			return output, nil
		}

		if step.As != "" {
			output.Data[step.As] = result
		}
	}

	output.Metrics = runtime.ExecutionMetrics{
		StartTime:  startTime.UnixMilli(),
		EndTime:    time.Now().UnixMilli(),
		DurationMs: time.Since(startTime).Milliseconds(),
	}
	return output, nil
}

func parseTransformSteps(config map[string]interface{}) ([]transformStep, error) {
	raw, ok := config["steps"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("transform node requires a 'steps' array")
	}

	steps := make([]transformStep, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d must be an object", i)
		}

		op, _ := m["op"].(string)
		if op == "" {
			return nil, fmt.Errorf("step %d missing 'op'", i)
		}

		as, _ := m["as"].(string)

		var args []interface{}
		if rawArgs, ok := m["args"].([]interface{}); ok {
			args = rawArgs
		}

		steps = append(steps, transformStep{Op: op, As: as, Args: args})
	}
	return steps, nil
}

func init() {
	runtime.Register(NewTransformNode())
}
