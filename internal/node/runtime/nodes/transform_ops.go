package nodes

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransformOp is a single step the transform node can run against its
// already-interpolated step arguments. These are the operations the
// expression evaluator deliberately does not provide (spec's "pure
// lookup" interpolator has no eval) — they live here instead, behind the
// transform node's step list, not behind ${...} placeholder syntax.
type TransformOp func(args ...interface{}) (interface{}, error)

// transformOps is the fixed operation table for the transform node.
var transformOps = map[string]TransformOp{
	"uppercase":     opUppercase,
	"lowercase":     opLowercase,
	"trim":          opTrim,
	"length":        opLength,
	"substring":     opSubstring,
	"replace":       opReplace,
	"split":         opSplit,
	"join":          opJoin,
	"contains":      opContains,
	"startsWith":    opStartsWith,
	"endsWith":      opEndsWith,
	"round":         opRound,
	"floor":         opFloor,
	"ceil":          opCeil,
	"abs":           opAbs,
	"min":           opMin,
	"max":           opMax,
	"sum":           opSum,
	"avg":           opAvg,
	"now":           opNow,
	"formatDate":    opFormatDate,
	"parseDate":     opParseDate,
	"addDays":       opAddDays,
	"addHours":      opAddHours,
	"toJson":        opToJSON,
	"fromJson":      opFromJSON,
	"keys":          opKeys,
	"values":        opValues,
	"first":         opFirst,
	"last":          opLast,
	"count":         opCount,
	"reverse":       opReverse,
	"sort":          opSort,
	"unique":        opUnique,
	"filter":        opFilter,
	"pluck":         opPluck,
	"toString":      opToString,
	"toNumber":      opToNumber,
	"toBoolean":     opToBoolean,
	"isNull":        opIsNull,
	"isEmpty":       opIsEmpty,
	"typeOf":        opTypeOf,
	"default":       opDefault,
	"uuid":          opUUID,
	"base64Encode":  opBase64Encode,
	"base64Decode":  opBase64Decode,
	"hash":          opHash,
}

// lookupOp returns the named transform operation, if registered.
func lookupOp(name string) (TransformOp, bool) {
	op, ok := transformOps[name]
	return op, ok
}

// String operations

func opUppercase(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("uppercase requires 1 argument")
	}
	return strings.ToUpper(fmt.Sprintf("%v", args[0])), nil
}

func opLowercase(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("lowercase requires 1 argument")
	}
	return strings.ToLower(fmt.Sprintf("%v", args[0])), nil
}

func opTrim(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("trim requires 1 argument")
	}
	return strings.TrimSpace(fmt.Sprintf("%v", args[0])), nil
}

func opLength(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("length requires 1 argument")
	}
	switch v := args[0].(type) {
	case string:
		return len(v), nil
	case []interface{}:
		return len(v), nil
	case map[string]interface{}:
		return len(v), nil
	default:
		return len(fmt.Sprintf("%v", v)), nil
	}
}

func opSubstring(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("substring requires at least 2 arguments")
	}
	s := fmt.Sprintf("%v", args[0])
	start := toInt(args[1])

	if start < 0 || start >= len(s) {
		return "", nil
	}

	if len(args) >= 3 {
		end := toInt(args[2])
		if end > len(s) {
			end = len(s)
		}
		return s[start:end], nil
	}

	return s[start:], nil
}

func opReplace(args ...interface{}) (interface{}, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("replace requires 3 arguments")
	}
	s := fmt.Sprintf("%v", args[0])
	old := fmt.Sprintf("%v", args[1])
	replacement := fmt.Sprintf("%v", args[2])
	return strings.ReplaceAll(s, old, replacement), nil
}

func opSplit(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("split requires 2 arguments")
	}
	s := fmt.Sprintf("%v", args[0])
	sep := fmt.Sprintf("%v", args[1])
	parts := strings.Split(s, sep)
	result := make([]interface{}, len(parts))
	for i, p := range parts {
		result[i] = p
	}
	return result, nil
}

func opJoin(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("join requires 2 arguments")
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("first argument must be an array")
	}
	sep := fmt.Sprintf("%v", args[1])
	parts := make([]string, len(arr))
	for i, v := range arr {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, sep), nil
}

func opContains(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("contains requires 2 arguments")
	}
	return strings.Contains(fmt.Sprintf("%v", args[0]), fmt.Sprintf("%v", args[1])), nil
}

func opStartsWith(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("startsWith requires 2 arguments")
	}
	return strings.HasPrefix(fmt.Sprintf("%v", args[0]), fmt.Sprintf("%v", args[1])), nil
}

func opEndsWith(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("endsWith requires 2 arguments")
	}
	return strings.HasSuffix(fmt.Sprintf("%v", args[0]), fmt.Sprintf("%v", args[1])), nil
}

// Number operations

func opRound(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("round requires 1 argument")
	}
	n := toNumber(args[0])
	precision := 0
	if len(args) >= 2 {
		precision = toInt(args[1])
	}
	multiplier := math.Pow(10, float64(precision))
	return math.Round(n*multiplier) / multiplier, nil
}

func opFloor(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("floor requires 1 argument")
	}
	return math.Floor(toNumber(args[0])), nil
}

func opCeil(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("ceil requires 1 argument")
	}
	return math.Ceil(toNumber(args[0])), nil
}

func opAbs(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("abs requires 1 argument")
	}
	return math.Abs(toNumber(args[0])), nil
}

func opMin(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("min requires at least 1 argument")
	}
	values := numericOperands(args)
	if len(values) == 0 {
		return nil, nil
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m, nil
}

func opMax(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("max requires at least 1 argument")
	}
	values := numericOperands(args)
	if len(values) == 0 {
		return nil, nil
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m, nil
}

func opSum(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("sum requires at least 1 argument")
	}
	var total float64
	for _, v := range numericOperands(args) {
		total += v
	}
	return total, nil
}

func opAvg(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("avg requires at least 1 argument")
	}
	values := numericOperands(args)
	if len(values) == 0 {
		return 0, nil
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values)), nil
}

// numericOperands flattens a single array argument or a variadic argument
// list into a plain float64 slice.
func numericOperands(args []interface{}) []float64 {
	if arr, ok := args[0].([]interface{}); ok {
		values := make([]float64, len(arr))
		for i, v := range arr {
			values[i] = toNumber(v)
		}
		return values
	}
	values := make([]float64, len(args))
	for i, v := range args {
		values[i] = toNumber(v)
	}
	return values
}

// Date operations

func opNow(args ...interface{}) (interface{}, error) {
	return time.Now().Format(time.RFC3339), nil
}

func opFormatDate(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("formatDate requires 2 arguments")
	}
	t, err := parseAnyDate(fmt.Sprintf("%v", args[0]))
	if err != nil {
		return nil, err
	}
	return t.Format(convertDateFormat(fmt.Sprintf("%v", args[1]))), nil
}

func opParseDate(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("parseDate requires 1 argument")
	}
	t, err := parseAnyDate(fmt.Sprintf("%v", args[0]))
	if err != nil {
		return nil, err
	}
	return t.Format(time.RFC3339), nil
}

func opAddDays(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("addDays requires 2 arguments")
	}
	t, err := parseAnyDate(fmt.Sprintf("%v", args[0]))
	if err != nil {
		return nil, err
	}
	return t.AddDate(0, 0, toInt(args[1])).Format(time.RFC3339), nil
}

func opAddHours(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("addHours requires 2 arguments")
	}
	t, err := parseAnyDate(fmt.Sprintf("%v", args[0]))
	if err != nil {
		return nil, err
	}
	return t.Add(time.Duration(toInt(args[1])) * time.Hour).Format(time.RFC3339), nil
}

// JSON operations

func opToJSON(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("toJson requires 1 argument")
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func opFromJSON(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("fromJson requires 1 argument")
	}
	var result interface{}
	if err := json.Unmarshal([]byte(fmt.Sprintf("%v", args[0])), &result); err != nil {
		return nil, err
	}
	return result, nil
}

func opKeys(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("keys requires 1 argument")
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("argument must be an object")
	}
	keys := make([]interface{}, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

func opValues(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("values requires 1 argument")
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("argument must be an object")
	}
	values := make([]interface{}, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	return values, nil
}

// Array operations

func opFirst(args ...interface{}) (interface{}, error) {
	arr, ok := requireArray(args, "first")
	if ok != nil {
		return nil, ok
	}
	if len(arr) == 0 {
		return nil, nil
	}
	return arr[0], nil
}

func opLast(args ...interface{}) (interface{}, error) {
	arr, err := requireArray(args, "last")
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, nil
	}
	return arr[len(arr)-1], nil
}

func opCount(args ...interface{}) (interface{}, error) {
	arr, err := requireArray(args, "count")
	if err != nil {
		return nil, err
	}
	return len(arr), nil
}

func opReverse(args ...interface{}) (interface{}, error) {
	arr, err := requireArray(args, "reverse")
	if err != nil {
		return nil, err
	}
	result := make([]interface{}, len(arr))
	for i, v := range arr {
		result[len(arr)-1-i] = v
	}
	return result, nil
}

func opSort(args ...interface{}) (interface{}, error) {
	arr, err := requireArray(args, "sort")
	if err != nil {
		return nil, err
	}
	result := make([]interface{}, len(arr))
	copy(result, arr)
	sort.Slice(result, func(i, j int) bool {
		return fmt.Sprintf("%v", result[i]) < fmt.Sprintf("%v", result[j])
	})
	return result, nil
}

func opUnique(args ...interface{}) (interface{}, error) {
	arr, err := requireArray(args, "unique")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(arr))
	result := make([]interface{}, 0, len(arr))
	for _, v := range arr {
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result, nil
}

// opFilter drops nil and empty-string entries. There is no predicate
// language here — the evaluator is pure lookup, so a field-equality or
// expression-based filter isn't expressible without an eval step this
// node deliberately doesn't have.
func opFilter(args ...interface{}) (interface{}, error) {
	arr, err := requireArray(args, "filter")
	if err != nil {
		return nil, err
	}
	result := make([]interface{}, 0, len(arr))
	for _, v := range arr {
		if v != nil && v != "" {
			result = append(result, v)
		}
	}
	return result, nil
}

// opPluck extracts a named field from each object in an array.
func opPluck(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("pluck requires 2 arguments")
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("first argument must be an array")
	}
	field := fmt.Sprintf("%v", args[1])
	result := make([]interface{}, len(arr))
	for i, item := range arr {
		if m, ok := item.(map[string]interface{}); ok {
			result[i] = m[field]
		}
	}
	return result, nil
}

func requireArray(args []interface{}, opName string) ([]interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%s requires 1 argument", opName)
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s argument must be an array", opName)
	}
	return arr, nil
}

// Type operations

func opToString(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("toString requires 1 argument")
	}
	return fmt.Sprintf("%v", args[0]), nil
}

func opToNumber(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("toNumber requires 1 argument")
	}
	return toNumber(args[0]), nil
}

func opToBoolean(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("toBoolean requires 1 argument")
	}
	return toBool(args[0]), nil
}

func opIsNull(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return true, nil
	}
	return args[0] == nil, nil
}

func opIsEmpty(args ...interface{}) (interface{}, error) {
	if len(args) < 1 || args[0] == nil {
		return true, nil
	}
	switch v := args[0].(type) {
	case string:
		return v == "", nil
	case []interface{}:
		return len(v) == 0, nil
	case map[string]interface{}:
		return len(v) == 0, nil
	}
	return false, nil
}

func opTypeOf(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return "undefined", nil
	}
	switch args[0].(type) {
	case nil:
		return "null", nil
	case string:
		return "string", nil
	case float64, int, int64:
		return "number", nil
	case bool:
		return "boolean", nil
	case []interface{}:
		return "array", nil
	case map[string]interface{}:
		return "object", nil
	default:
		return "unknown", nil
	}
}

// Utility operations

func opDefault(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("default requires 2 arguments")
	}
	if args[0] == nil || args[0] == "" {
		return args[1], nil
	}
	return args[0], nil
}

func opUUID(args ...interface{}) (interface{}, error) {
	return uuid.New().String(), nil
}

func opBase64Encode(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("base64Encode requires 1 argument")
	}
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%v", args[0]))), nil
}

func opBase64Decode(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("base64Decode requires 1 argument")
	}
	decoded, err := base64.StdEncoding.DecodeString(fmt.Sprintf("%v", args[0]))
	if err != nil {
		return nil, err
	}
	return string(decoded), nil
}

func opHash(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("hash requires at least 1 argument")
	}
	s := fmt.Sprintf("%v", args[0])
	algo := "sha256"
	if len(args) >= 2 {
		algo = fmt.Sprintf("%v", args[1])
	}
	switch algo {
	case "md5":
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	case "sha256":
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
}

// toNumber/toBool are shared with conditional_node.go (same package).

func toInt(v interface{}) int {
	return int(toNumber(v))
}

func parseAnyDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"01/02/2006",
		"02/01/2006",
		"Jan 2, 2006",
		"January 2, 2006",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0), nil
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}

func convertDateFormat(format string) string {
	replacements := map[string]string{
		"YYYY": "2006",
		"YY":   "06",
		"MM":   "01",
		"DD":   "02",
		"HH":   "15",
		"mm":   "04",
		"ss":   "05",
		"SSS":  "000",
	}
	result := format
	for from, to := range replacements {
		result = strings.ReplaceAll(result, from, to)
	}
	return result
}
