package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scopeFixture() *Scope {
	s := NewScope()
	s.Inputs["source"] = "webhook"
	s.Outputs["n1"] = map[string]interface{}{
		"data": map[string]interface{}{
			"name": "Leanne Graham",
		},
		"items": []interface{}{"a", "b", "c"},
	}
	s.Variables["count"] = 3.0
	s.Trigger["body"] = map[string]interface{}{"id": "abc"}
	return s
}

func TestParser_Evaluate_SinglePlaceholderPreservesType(t *testing.T) {
	p := NewParser()
	scope := scopeFixture()

	val, err := p.Evaluate("${n1.data.name}", scope)
	require.NoError(t, err)
	assert.Equal(t, "", val) // "n1" is not a recognized top-level frame

	val, err = p.Evaluate("${outputs.n1.data.name}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Leanne Graham", val)

	val, err = p.Evaluate("${variables.count}", scope)
	require.NoError(t, err)
	assert.Equal(t, 3.0, val)
}

func TestParser_Evaluate_ArrayIndex(t *testing.T) {
	p := NewParser()
	scope := scopeFixture()

	val, err := p.Evaluate("${outputs.n1.items[1]}", scope)
	require.NoError(t, err)
	assert.Equal(t, "b", val)
}

func TestParser_Evaluate_MixedTextConcatenates(t *testing.T) {
	p := NewParser()
	scope := scopeFixture()

	val, err := p.Evaluate("hello ${outputs.n1.data.name}!", scope)
	require.NoError(t, err)
	assert.Equal(t, "hello Leanne Graham!", val)
}

func TestParser_Evaluate_UnresolvedDefaultsEmpty(t *testing.T) {
	p := NewParser()
	scope := scopeFixture()

	var warned string
	p.OnWarn(func(path string) { warned = path })

	val, err := p.Evaluate("${outputs.missing.field}", scope)
	require.NoError(t, err)
	assert.Equal(t, "", val)
	assert.Equal(t, "outputs.missing.field", warned)
}

func TestParser_Evaluate_UnresolvedStrictFails(t *testing.T) {
	p := NewParser()
	p.SetUnresolvedMode(UnresolvedStrict)
	scope := scopeFixture()

	_, err := p.Evaluate("${outputs.missing.field}", scope)
	require.Error(t, err)
	var uerr *UnresolvedError
	assert.ErrorAs(t, err, &uerr)
}

func TestParser_Evaluate_CaseSensitive(t *testing.T) {
	p := NewParser()
	scope := scopeFixture()

	val, err := p.Evaluate("${Outputs.n1.data.name}", scope)
	require.NoError(t, err)
	assert.Equal(t, "", val)
}

func TestParser_EvaluateTemplate_WalksNestedConfig(t *testing.T) {
	p := NewParser()
	scope := scopeFixture()

	template := map[string]interface{}{
		"greeting": "hi ${outputs.n1.data.name}",
		"nested": []interface{}{
			"${inputs.source}",
			map[string]interface{}{"count": "${variables.count}"},
		},
	}

	resolved, err := p.EvaluateTemplate(template, scope)
	require.NoError(t, err)

	m := resolved.(map[string]interface{})
	assert.Equal(t, "hi Leanne Graham", m["greeting"])

	nested := m["nested"].([]interface{})
	assert.Equal(t, "webhook", nested[0])

	inner := nested[1].(map[string]interface{})
	assert.Equal(t, 3.0, inner["count"])
}

func TestParser_Evaluate_NoPlaceholderReturnsInputVerbatim(t *testing.T) {
	p := NewParser()
	scope := scopeFixture()

	val, err := p.Evaluate("plain text", scope)
	require.NoError(t, err)
	assert.Equal(t, "plain text", val)
}

func TestScope_Fork_IsolatesVariables(t *testing.T) {
	scope := scopeFixture()
	child := scope.Fork()
	child.Variables["item"] = "x"

	_, ok := scope.Variables["item"]
	assert.False(t, ok)
	assert.Equal(t, "x", child.Variables["item"])
	assert.Equal(t, scope.Outputs["n1"], child.Outputs["n1"])
}
