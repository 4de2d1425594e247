package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

func TestTransformNode_Execute_AppliesSteps(t *testing.T) {
	n := NewTransformNode()

	input := &runtime.ExecutionInput{
		NodeID: "t1",
		NodeConfig: map[string]interface{}{
			"steps": []interface{}{
				map[string]interface{}{
					"op":   "uppercase",
					"args": []interface{}{"leanne graham"},
					"as":   "name",
				},
				map[string]interface{}{
					"op":   "sum",
					"args": []interface{}{[]interface{}{1.0, 2.0, 3.0}},
					"as":   "total",
				},
			},
		},
	}

	out, err := n.Execute(context.Background(), input)
	require.NoError(t, err)
	require.Nil(t, out.Error)

	assert.Equal(t, "LEANNE GRAHAM", out.Data["name"])
	assert.Equal(t, 6.0, out.Data["total"])
}

func TestTransformNode_Execute_UnknownOperation(t *testing.T) {
	n := NewTransformNode()

	input := &runtime.ExecutionInput{
		NodeConfig: map[string]interface{}{
			"steps": []interface{}{
				map[string]interface{}{"op": "not_a_real_op", "args": []interface{}{}, "as": "x"},
			},
		},
	}

	out, err := n.Execute(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, out.Error)

	nerr := runtime.AsNodeError(out.Error)
	assert.Equal(t, runtime.ErrorKindValidation, nerr.Kind)
	assert.False(t, nerr.Retryable)
}

func TestTransformNode_Validate_RejectsUnknownOp(t *testing.T) {
	n := NewTransformNode()
	err := n.Validate(map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"op": "bogus"},
		},
	})
	assert.Error(t, err)
}

func TestTransformNode_Validate_MissingSteps(t *testing.T) {
	n := NewTransformNode()
	err := n.Validate(map[string]interface{}{})
	assert.Error(t, err)
}
