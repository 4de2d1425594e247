// Package expression resolves "${path.to.value}" placeholders against a
// layered execution scope. It never reads external state: resolution is a
// pure lookup, never an eval.
package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches a single ${...} placeholder. Nested braces are
// not supported; paths are dotted selectors with optional array indexing.
var placeholderPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// UnresolvedMode controls behavior when a path cannot be resolved.
type UnresolvedMode string

const (
	// UnresolvedEmpty substitutes an empty string and emits a warning log.
	UnresolvedEmpty UnresolvedMode = "empty"
	// UnresolvedStrict fails the node.
	UnresolvedStrict UnresolvedMode = "strict"
)

// Scope is the stack of named frames a placeholder path resolves against.
// The first path segment selects the frame: "inputs", "outputs",
// "variables", or "trigger".
type Scope struct {
	Inputs    map[string]interface{}
	Outputs   map[string]map[string]interface{}
	Variables map[string]interface{}
	Trigger   map[string]interface{}
}

// NewScope creates an empty scope with initialized frames.
func NewScope() *Scope {
	return &Scope{
		Inputs:    make(map[string]interface{}),
		Outputs:   make(map[string]map[string]interface{}),
		Variables: make(map[string]interface{}),
		Trigger:   make(map[string]interface{}),
	}
}

// Fork returns a copy-on-write child scope for a loop iteration frame: it
// shares the parent's outputs/trigger but gets its own variables map so
// "item"/"index" bindings don't leak back out.
func (s *Scope) Fork() *Scope {
	child := &Scope{
		Inputs:    s.Inputs,
		Outputs:   s.Outputs,
		Trigger:   s.Trigger,
		Variables: make(map[string]interface{}, len(s.Variables)+2),
	}
	for k, v := range s.Variables {
		child.Variables[k] = v
	}
	return child
}

// UnresolvedError is returned in strict mode when a path has no value.
type UnresolvedError struct {
	Path string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved path: %s", e.Path)
}

// Parser resolves placeholder path expressions. It has no notion of
// function calls: the language is pure lookup. Anything needing
// computation belongs in the transform node's operation set
// (internal/node/runtime/nodes), not here.
type Parser struct {
	mode   UnresolvedMode
	onWarn func(path string)
}

// NewParser creates a parser with default (empty-substitution) unresolved
// handling.
func NewParser() *Parser {
	return &Parser{mode: UnresolvedEmpty}
}

// SetUnresolvedMode configures the behavior for paths that cannot be
// resolved. Default is UnresolvedEmpty.
func (p *Parser) SetUnresolvedMode(mode UnresolvedMode) {
	p.mode = mode
}

// OnWarn registers a callback invoked whenever a path resolves to nothing
// in non-strict mode, so callers can surface it as a log entry.
func (p *Parser) OnWarn(fn func(path string)) {
	p.onWarn = fn
}

// Evaluate resolves all placeholders in the input string against scope. A
// string containing exactly one placeholder and nothing else returns the
// typed value; otherwise all placeholders are coerced to text and
// concatenated.
func (p *Parser) Evaluate(input string, scope *Scope) (interface{}, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(input, -1)
	if len(matches) == 0 {
		return input, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(input) {
		expr := input[matches[0][2]:matches[0][3]]
		return p.evalExpr(strings.TrimSpace(expr), scope)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(input[last:m[0]])
		expr := strings.TrimSpace(input[m[2]:m[3]])
		val, err := p.evalExpr(expr, scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(toText(val))
		last = m[1]
	}
	sb.WriteString(input[last:])
	return sb.String(), nil
}

// EvaluateTemplate walks a config template (map/slice/string/scalar) and
// evaluates every string leaf, preserving structure.
func (p *Parser) EvaluateTemplate(template interface{}, scope *Scope) (interface{}, error) {
	switch v := template.(type) {
	case string:
		return p.Evaluate(v, scope)
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for k, val := range v {
			resolved, err := p.EvaluateTemplate(val, scope)
			if err != nil {
				return nil, err
			}
			result[k] = resolved
		}
		return result, nil
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, val := range v {
			resolved, err := p.EvaluateTemplate(val, scope)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return v, nil
	}
}

// evalExpr evaluates a single "${...}" body, a dotted path selector. There
// is no function-call syntax: unresolved paths are either substituted with
// an empty string (with a warning callback) or fail the node in strict
// mode.
func (p *Parser) evalExpr(expr string, scope *Scope) (interface{}, error) {
	val, found := resolvePath(expr, scope)
	if !found {
		if p.onWarn != nil {
			p.onWarn(expr)
		}
		if p.mode == UnresolvedStrict {
			return nil, &UnresolvedError{Path: expr}
		}
		return "", nil
	}
	return val, nil
}

// resolvePath resolves a dotted selector (e.g. "outputs.n1.data[2].field")
// against the scope. The first segment selects the frame.
func resolvePath(path string, scope *Scope) (interface{}, bool) {
	steps, err := compilePath(path)
	if err != nil || len(steps) == 0 {
		return nil, false
	}

	var root interface{}
	switch steps[0].field {
	case "inputs":
		root = scope.Inputs
	case "outputs":
		root = outputsAsMap(scope.Outputs)
	case "variables":
		root = scope.Variables
	case "trigger":
		root = scope.Trigger
	default:
		return nil, false
	}

	cur := root
	for _, step := range steps[1:] {
		next, ok := navigate(cur, step)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func outputsAsMap(outputs map[string]map[string]interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(outputs))
	for k, v := range outputs {
		m[k] = v
	}
	return m
}

// pathStep is either a named field access or an array index.
type pathStep struct {
	field string
	index int
	isIdx bool
}

// compilePath compiles "a.b[2].c" into a sequence of field/index steps.
func compilePath(path string) ([]pathStep, error) {
	var steps []pathStep
	var field strings.Builder

	flush := func() {
		if field.Len() > 0 {
			steps = append(steps, pathStep{field: field.String()})
			field.Reset()
		}
	}

	i := 0
	for i < len(path) {
		c := path[i]
		switch c {
		case '.':
			flush()
			i++
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end == -1 {
				return nil, fmt.Errorf("unterminated index in path %q", path)
			}
			idxStr := path[i+1 : i+end]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q in path %q", idxStr, path)
			}
			steps = append(steps, pathStep{index: idx, isIdx: true})
			i += end + 1
		default:
			field.WriteByte(c)
			i++
		}
	}
	flush()
	return steps, nil
}

func navigate(cur interface{}, step pathStep) (interface{}, bool) {
	if step.isIdx {
		arr, ok := cur.([]interface{})
		if !ok || step.index < 0 || step.index >= len(arr) {
			return nil, false
		}
		return arr[step.index], true
	}
	switch m := cur.(type) {
	case map[string]interface{}:
		v, ok := m[step.field]
		return v, ok
	case map[string]string:
		v, ok := m[step.field]
		return v, ok
	default:
		return nil, false
	}
}

// toText coerces a resolved value to its canonical textual form for mixed
// text/placeholder concatenation.
func toText(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
