package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// ConditionalNode is the "conditional" node type: it evaluates a
// predicate over its (already interpolated) config and input, then
// exits on exactly one of its two handles, "true" or "false". Edges on
// the unselected handle are pruned by the scheduler.
//
// Two config shapes are accepted. The compact one compares a single
// interpolated left value against a right value:
//
//	{"predicate": {"left": "${inputs.source}", "operator": "equals", "right": "api"}}
//
// The list form combines several clauses with "and" (default) or "or":
//
//	{"conditions": [{"field": "user.plan", "operator": "in", "value": ["pro","team"]}, ...],
//	 "combine": "or"}
//
// A malformed predicate or unknown operator fails the node with a
// validation error instead of silently routing "false".
type ConditionalNode struct{}

func NewConditionalNode() *ConditionalNode { return &ConditionalNode{} }

func (n *ConditionalNode) GetType() string { return "conditional" }

func (n *ConditionalNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "conditional",
		Name:        "Conditional",
		Description: "Route execution down the true or false handle based on a predicate",
		Category:    "core",
		Icon:        "git-branch",
		Color:       "#FF9800",
		Version:     "2.0.0",
		Inputs: []runtime.PortDefinition{
			{Name: "main", Type: "any", Required: true, Description: "Input data"},
		},
		Outputs: []runtime.PortDefinition{
			{Name: "true", Type: "any", Description: "Taken when the predicate holds"},
			{Name: "false", Type: "any", Description: "Taken when it does not"},
		},
		Properties: []runtime.PropertyDefinition{
			{Name: "predicate", Type: "json", Description: "Single {left, operator, right} comparison"},
			{Name: "conditions", Type: "json", Description: "List of {field, operator, value} clauses"},
			{Name: "combine", Type: "select", Default: "and", Description: "Clause combination", Options: []runtime.PropertyOption{
				{Label: "AND (all must hold)", Value: "and"},
				{Label: "OR (any may hold)", Value: "or"},
			}},
		},
	}
}

func (n *ConditionalNode) Validate(config map[string]interface{}) error {
	clauses, _, err := parseClauses(config)
	if err != nil {
		return err
	}
	if len(clauses) == 0 {
		return fmt.Errorf("conditional requires a predicate or a non-empty conditions list")
	}
	for _, c := range clauses {
		if _, ok := operators[c.operator]; !ok {
			return fmt.Errorf("unknown operator %q", c.operator)
		}
	}
	return nil
}

func (n *ConditionalNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	started := time.Now()
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{})}

	clauses, combineAny, err := parseClauses(input.NodeConfig)
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
		return output, nil
	}
	if len(clauses) == 0 {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, "conditional requires a predicate or a non-empty conditions list", nil)
		return output, nil
	}

	matched := !combineAny
	for _, clause := range clauses {
		hold, err := clause.eval(input.InputData)
		if err != nil {
			output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
			return output, nil
		}
		if combineAny && hold {
			matched = true
			break
		}
		if !combineAny && !hold {
			matched = false
			break
		}
	}

	handle := "false"
	if matched {
		handle = "true"
	}
	output.Data["_output"] = handle
	output.Data[handle] = input.InputData
	output.Data["matched"] = matched
	output.Logs = []runtime.LogEntry{{
		Level:     "info",
		Message:   fmt.Sprintf("predicate evaluated %s over %d clause(s)", handle, len(clauses)),
		Timestamp: time.Now().UnixMilli(),
		NodeID:    input.NodeID,
	}}
	output.Metrics = runtime.ExecutionMetrics{
		StartTime:  started.UnixMilli(),
		EndTime:    time.Now().UnixMilli(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	return output, nil
}

// clause is one parsed comparison. Exactly one of literal/field is the
// left side: the compact predicate form carries the interpolated value
// itself, the list form names a dotted path into the input.
type clause struct {
	literal  interface{}
	field    string
	hasField bool
	operator string
	right    interface{}
}

func (c clause) eval(input map[string]interface{}) (bool, error) {
	left := c.literal
	if c.hasField {
		left = getFieldValue(input, c.field)
	}
	op, ok := operators[c.operator]
	if !ok {
		return false, fmt.Errorf("unknown operator %q", c.operator)
	}
	return op(left, c.right), nil
}

// parseClauses normalizes both config shapes into a clause list.
// combineAny reports OR semantics; AND is the default.
func parseClauses(config map[string]interface{}) (clauses []clause, combineAny bool, err error) {
	combine := "and"
	if s, ok := config["combine"].(string); ok && s != "" {
		combine = s
	} else if s, ok := config["combineConditions"].(string); ok && s != "" {
		combine = s
	}
	switch strings.ToLower(combine) {
	case "and":
	case "or":
		combineAny = true
	default:
		return nil, false, fmt.Errorf("combine must be \"and\" or \"or\", got %q", combine)
	}

	if raw, ok := config["predicate"]; ok && raw != nil {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, false, fmt.Errorf("predicate must be an object")
		}
		clauses = append(clauses, clause{
			literal:  m["left"],
			operator: operatorName(m["operator"]),
			right:    m["right"],
		})
	}

	if raw, ok := config["conditions"]; ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, false, fmt.Errorf("conditions must be a list")
		}
		for i, entry := range list {
			m, ok := entry.(map[string]interface{})
			if !ok {
				return nil, false, fmt.Errorf("condition %d is not an object", i)
			}
			field, _ := m["field"].(string)
			clauses = append(clauses, clause{
				field:    field,
				hasField: true,
				operator: operatorName(m["operator"]),
				right:    m["value"],
			})
		}
	}
	return clauses, combineAny, nil
}

// operatorName normalizes the accepted spellings ("==", "equals",
// "notEquals", "!=", ...) to the canonical operator key.
func operatorName(raw interface{}) string {
	name, _ := raw.(string)
	switch name {
	case "", "==", "equal", "eq":
		return "equals"
	case "!=", "notEqual", "ne":
		return "notEquals"
	case ">", "gt":
		return "greaterThan"
	case ">=", "gte":
		return "greaterThanOrEqual"
	case "<", "lt":
		return "lessThan"
	case "<=", "lte":
		return "lessThanOrEqual"
	case "matches":
		return "regex"
	default:
		return name
	}
}

// operators is the comparison table. Equality is numeric-aware (1 and
// "1.0" compare equal) and falls back to canonical text otherwise.
var operators = map[string]func(left, right interface{}) bool{
	"equals":    looseEqual,
	"notEquals": func(l, r interface{}) bool { return !looseEqual(l, r) },
	"contains": func(l, r interface{}) bool {
		return strings.Contains(canonicalText(l), canonicalText(r))
	},
	"notContains": func(l, r interface{}) bool {
		return !strings.Contains(canonicalText(l), canonicalText(r))
	},
	"startsWith": func(l, r interface{}) bool {
		return strings.HasPrefix(canonicalText(l), canonicalText(r))
	},
	"endsWith": func(l, r interface{}) bool {
		return strings.HasSuffix(canonicalText(l), canonicalText(r))
	},
	"greaterThan":        func(l, r interface{}) bool { return toNumber(l) > toNumber(r) },
	"greaterThanOrEqual": func(l, r interface{}) bool { return toNumber(l) >= toNumber(r) },
	"lessThan":           func(l, r interface{}) bool { return toNumber(l) < toNumber(r) },
	"lessThanOrEqual":    func(l, r interface{}) bool { return toNumber(l) <= toNumber(r) },
	"isEmpty":            func(l, _ interface{}) bool { return isEmptyValue(l) },
	"isNotEmpty":         func(l, _ interface{}) bool { return !isEmptyValue(l) },
	"isNull":             func(l, _ interface{}) bool { return l == nil },
	"isNotNull":          func(l, _ interface{}) bool { return l != nil },
	"isTrue":             func(l, _ interface{}) bool { return toBool(l) },
	"isFalse":            func(l, _ interface{}) bool { return !toBool(l) },
	"regex": func(l, r interface{}) bool {
		re, err := regexp.Compile(canonicalText(r))
		if err != nil {
			return false
		}
		return re.MatchString(canonicalText(l))
	},
	"in":    inList,
	"notIn": func(l, r interface{}) bool { return !inList(l, r) },
}

// looseEqual compares numerically when both sides coerce to numbers,
// textually otherwise. nil only equals nil.
func looseEqual(l, r interface{}) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	ln, lok := asNumber(l)
	rn, rok := asNumber(r)
	if lok && rok {
		return ln == rn
	}
	return canonicalText(l) == canonicalText(r)
}

// inList reports membership of left in right, where right is a slice
// or a comma-separated string.
func inList(l, r interface{}) bool {
	switch list := r.(type) {
	case []interface{}:
		for _, item := range list {
			if looseEqual(l, item) {
				return true
			}
		}
	case string:
		for _, part := range strings.Split(list, ",") {
			if looseEqual(l, strings.TrimSpace(part)) {
				return true
			}
		}
	}
	return false
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}

// asNumber coerces the JSON-decodable numeric shapes; a string only
// counts when it parses completely.
func asNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return n, err == nil
	}
	return 0, false
}

// canonicalText is the textual form comparisons fall back to.
func canonicalText(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// getFieldValue resolves a dotted path against a map. An empty path
// returns the whole map; shared with the loop node's item resolution.
func getFieldValue(data map[string]interface{}, field string) interface{} {
	if field == "" {
		return data
	}
	var current interface{} = data
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// toBool is the truthiness coercion shared with the transform ops.
func toBool(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	}
	return true
}

// toNumber is the numeric coercion shared with the transform ops;
// anything non-numeric coerces to zero.
func toNumber(v interface{}) float64 {
	n, _ := asNumber(v)
	return n
}

func init() {
	runtime.Register(NewConditionalNode())
}
