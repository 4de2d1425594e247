package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

func runConditional(t *testing.T, config, input map[string]interface{}) *runtime.ExecutionOutput {
	t.Helper()
	out, err := NewConditionalNode().Execute(context.Background(), &runtime.ExecutionInput{
		NodeID:     "c1",
		NodeConfig: config,
		InputData:  input,
	})
	require.NoError(t, err)
	return out
}

func TestConditionalPredicateForm(t *testing.T) {
	tests := []struct {
		name   string
		left   interface{}
		op     string
		right  interface{}
		handle string
	}{
		{"string equality", "api", "equals", "api", "true"},
		{"string inequality", "database", "equals", "api", "false"},
		{"symbolic operator", "api", "==", "api", "true"},
		{"numeric-aware equality", 1.0, "equals", "1", "true"},
		{"greater than", 5.0, ">", 3.0, "true"},
		{"less than or equal", 3.0, "<=", 3.0, "true"},
		{"in comma list", "pro", "in", "free, pro, team", "true"},
		{"not in slice", "guest", "in", []interface{}{"pro", "team"}, "false"},
		{"regex", "order-1234", "matches", `^order-\d+$`, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runConditional(t, map[string]interface{}{
				"predicate": map[string]interface{}{"left": tt.left, "operator": tt.op, "right": tt.right},
			}, map[string]interface{}{})
			require.Nil(t, out.Error)
			assert.Equal(t, tt.handle, out.Data["_output"])
		})
	}
}

func TestConditionalClauseListCombination(t *testing.T) {
	input := map[string]interface{}{
		"user": map[string]interface{}{"plan": "pro", "age": 17.0},
	}
	conditions := []interface{}{
		map[string]interface{}{"field": "user.plan", "operator": "equals", "value": "pro"},
		map[string]interface{}{"field": "user.age", "operator": ">=", "value": 18.0},
	}

	andOut := runConditional(t, map[string]interface{}{"conditions": conditions}, input)
	assert.Equal(t, "false", andOut.Data["_output"])

	orOut := runConditional(t, map[string]interface{}{"conditions": conditions, "combine": "or"}, input)
	assert.Equal(t, "true", orOut.Data["_output"])
}

func TestConditionalEmptinessAndNullOperators(t *testing.T) {
	input := map[string]interface{}{"tags": []interface{}{}, "note": "x"}

	out := runConditional(t, map[string]interface{}{
		"conditions": []interface{}{
			map[string]interface{}{"field": "tags", "operator": "isEmpty"},
			map[string]interface{}{"field": "note", "operator": "isNotEmpty"},
			map[string]interface{}{"field": "missing", "operator": "isNull"},
		},
	}, input)
	assert.Equal(t, "true", out.Data["_output"])
}

func TestConditionalRejectsUnknownOperator(t *testing.T) {
	out := runConditional(t, map[string]interface{}{
		"predicate": map[string]interface{}{"left": "a", "operator": "resembles", "right": "b"},
	}, map[string]interface{}{})
	require.NotNil(t, out.Error)
	assert.Equal(t, runtime.ErrorKindValidation, out.Error.(*runtime.NodeError).Kind)
}

func TestConditionalRejectsMissingConfig(t *testing.T) {
	out := runConditional(t, map[string]interface{}{}, map[string]interface{}{})
	require.NotNil(t, out.Error)

	err := NewConditionalNode().Validate(map[string]interface{}{})
	assert.Error(t, err)
	assert.NoError(t, NewConditionalNode().Validate(map[string]interface{}{
		"predicate": map[string]interface{}{"left": "a", "operator": "equals", "right": "a"},
	}))
}
