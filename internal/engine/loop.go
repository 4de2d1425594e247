package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/expression"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	wfmodel "github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

// maxLoopIterations bounds a loop so a runaway collection cannot pin an
// execution forever.
const maxLoopIterations = 10000

// executeLoop drives a "loop" node: the subgraph hanging off the
// node's "loop" handle runs once per item of the resolved collection,
// each iteration seeing `item` and `index` bound in a forked variable
// frame, and the per-iteration body outputs aggregate into an array in
// input order. The loop node then exits on its "done" handle.
func (e *Engine) executeLoop(ctx context.Context, exec *execmodel.Execution, re *runningExecution, name string, node wfmodel.Node, evaluatedConfig, inputData map[string]interface{}) dispatchResult {
	items, err := loopItems(evaluatedConfig, inputData)
	if err != nil {
		return e.applyOnError(ctx, exec, re, name, node, runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err))
	}
	if len(items) > maxLoopIterations {
		return e.applyOnError(ctx, exec, re, name, node,
			runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("collection of %d items exceeds the %d-iteration limit", len(items), maxLoopIterations), nil))
	}

	body := loopBody(re.snap.Definition, name)

	results := make([]interface{}, 0, len(items))
	for idx, item := range items {
		if re.isCancelled() {
			return e.applyOnError(ctx, exec, re, name, node, runtime.NewNodeError(runtime.ErrorKindCancelled, "execution cancelled", nil))
		}

		iterOutput, nodeErr := e.runLoopIteration(ctx, exec, re, name, body, item, idx)
		if nodeErr != nil {
			return e.applyOnError(ctx, exec, re, name, node, nodeErr)
		}
		results = append(results, iterOutput)
	}

	e.appendLog(ctx, re, exec.ID().String(), name, journal.SeverityInfo, fmt.Sprintf("loop completed %d iterations over %d body nodes", len(items), len(body)))
	return e.completeNode(ctx, exec, re, name, &runtime.ExecutionOutput{Data: map[string]interface{}{
		"results": results,
		"count":   len(items),
		"_output": "done",
	}})
}

// runLoopIteration executes the body subgraph once for one item. The
// iteration sees a forked scope so `item`/`index` bindings and body
// outputs do not leak between iterations; the last body node's output
// is the iteration's aggregate value.
func (e *Engine) runLoopIteration(ctx context.Context, exec *execmodel.Execution, re *runningExecution, loopName string, body []string, item interface{}, idx int) (interface{}, *runtime.NodeError) {
	re.mu.Lock()
	iterScope := re.scope.Fork()
	re.mu.Unlock()
	iterScope.Variables["item"] = item
	iterScope.Variables["index"] = idx

	if len(body) == 0 {
		return item, nil
	}

	var last interface{} = item
	for _, bodyName := range body {
		bodyNode := re.snap.Definition.Nodes[bodyName]
		executor, err := e.registry.Get(bodyNode.Type)
		if err != nil {
			return nil, runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
		}

		parser := expression.NewParser()
		resolved, err := parser.EvaluateTemplate(bodyNode.Config, iterScope)
		if err != nil {
			return nil, runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("failed to evaluate config of %s: %v", bodyName, err), err)
		}
		config, _ := resolved.(map[string]interface{})
		if config == nil {
			config = make(map[string]interface{})
		}

		bodyInput := make(map[string]interface{})
		if m, ok := last.(map[string]interface{}); ok {
			for k, v := range m {
				bodyInput[k] = v
			}
		} else {
			bodyInput["item"] = last
		}
		bodyInput["index"] = idx

		credentials, credErr := e.resolveCredentials(ctx, config)
		if credErr != nil {
			return nil, credErr
		}

		input := &runtime.ExecutionInput{
			NodeID:      bodyName,
			NodeConfig:  config,
			InputData:   bodyInput,
			Credentials: credentials,
			Context: &runtime.ExecutionContext{
				ExecutionID: exec.ID().String(),
				WorkflowID:  exec.WorkflowID(),
				UserID:      exec.UserID(),
				Variables:   iterScope.Variables,
				Mode:        string(exec.TriggerType()),
				Cancelled:   re.cancelSignal(),
			},
		}

		output, nodeErr := e.runWithRetry(ctx, exec, re, bodyName, executor, input)
		if nodeErr != nil {
			return nil, nodeErr
		}
		if output.Suspend != nil {
			return nil, runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("node %s cannot suspend inside a loop body", bodyName), nil)
		}

		iterScope.Outputs[bodyName] = output.Data
		if len(output.Data) > 0 {
			last = output.Data
		}
	}
	return last, nil
}

// loopItems resolves the collection a loop iterates, in precedence
// order: the interpolated "items" config value, a dotted "itemsPath"
// into the input, the input's "items" field, then the whole input as a
// single item. The loop node executor applies the same precedence for
// the body-less direct path.
func loopItems(config, inputData map[string]interface{}) ([]interface{}, error) {
	if raw, ok := config["items"]; ok && raw != nil {
		if arr, ok := raw.([]interface{}); ok {
			return arr, nil
		}
		if s, ok := raw.(string); ok && s != "" {
			return nil, fmt.Errorf("loop items %q did not resolve to an array", s)
		}
	}
	if path, ok := config["itemsPath"].(string); ok && path != "" {
		value := navigatePath(inputData, path)
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

func navigatePath(data map[string]interface{}, path string) interface{} {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// loopBody computes the body subgraph in topological order: every node
// reachable from the loop's "loop"-handled edges, stopping before
// anything that is also downstream of the "done" handle.
func loopBody(def wfmodel.Definition, loopName string) []string {
	doneSet := reachableFrom(def, loopName, "done")
	bodySet := make(map[string]bool)
	var queue []string
	for _, edge := range def.Successors(loopName, "loop") {
		if edge.SourceHandle != "loop" {
			continue
		}
		queue = append(queue, edge.Target)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if bodySet[n] || doneSet[n] || n == loopName {
			continue
		}
		bodySet[n] = true
		for _, edge := range def.Successors(n, "") {
			queue = append(queue, edge.Target)
		}
	}

	// Kahn's ordering over the induced subgraph.
	indegree := make(map[string]int, len(bodySet))
	for n := range bodySet {
		indegree[n] = 0
	}
	for n := range bodySet {
		for _, edge := range def.Successors(n, "") {
			if bodySet[edge.Target] {
				indegree[edge.Target]++
			}
		}
	}
	var order []string
	var ready []string
	for n, deg := range indegree {
		if deg == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		added := false
		for _, edge := range def.Successors(n, "") {
			if _, ok := indegree[edge.Target]; !ok {
				continue
			}
			indegree[edge.Target]--
			if indegree[edge.Target] == 0 {
				ready = append(ready, edge.Target)
				added = true
			}
		}
		if added {
			sort.Strings(ready)
		}
	}
	return order
}

func reachableFrom(def wfmodel.Definition, name, handle string) map[string]bool {
	seen := make(map[string]bool)
	var queue []string
	for _, edge := range def.Successors(name, handle) {
		if handle != "" && edge.SourceHandle != handle {
			continue
		}
		queue = append(queue, edge.Target)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, edge := range def.Successors(n, "") {
			queue = append(queue, edge.Target)
		}
	}
	return seen
}
