package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/expression"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	wfmodel "github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

// dispatchResult is what one node's dispatch leaves behind for the
// scheduling loop to act on.
type dispatchResult struct {
	nodeName  string
	handle    string // "_output" value the node exited on, "" for the default handle
	goto_     string // set when onError=goto overrides normal successor computation
	failed    bool
	suspended bool
}

// dispatchBatch runs every node in names concurrently and waits for the
// whole round to finish, bounding the intra-execution parallelism of a
// single scheduling round to len(names) (already capped by run()'s
// maxConcurrent slicing).
func (e *Engine) dispatchBatch(ctx context.Context, exec *execmodel.Execution, re *runningExecution, names []string) []dispatchResult {
	results := make([]dispatchResult, len(names))
	re.mu.Lock()
	for _, name := range names {
		re.inFlight[name] = true
	}
	re.mu.Unlock()
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = e.executeNode(ctx, exec, re, name, nil)
			re.mu.Lock()
			delete(re.inFlight, name)
			re.mu.Unlock()
		}(i, name)
	}
	wg.Wait()
	return results
}

// executeNode runs a single node to completion, suspension, or failure.
// resume is nil on a fresh dispatch and set when re-entering a node that
// previously suspended.
func (e *Engine) executeNode(ctx context.Context, exec *execmodel.Execution, re *runningExecution, name string, resume *runtime.ResumeSignal) dispatchResult {
	node := re.snap.Definition.Nodes[name]

	executor, err := e.registry.Get(node.Type)
	if err != nil {
		return e.failBeforeStart(ctx, exec, re, name, runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err))
	}

	re.mu.Lock()
	inputData := e.buildNodeInput(re, node, name)
	re.mu.Unlock()

	evaluatedConfig, err := e.interpolateConfig(re, node.Config)
	if err != nil {
		return e.failBeforeStart(ctx, exec, re, name, runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("failed to evaluate config: %v", err), err))
	}

	if resume == nil {
		re.mu.Lock()
		startErr := exec.StartNodeExecution(name, node.Type, inputData)
		re.mu.Unlock()
		if startErr != nil {
			return e.failBeforeStart(ctx, exec, re, name, runtime.NewNodeError(runtime.ErrorKindServer, startErr.Error(), startErr))
		}
		e.publisher.Publish(Event{Kind: EventNodeStarted, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), NodeID: name, Timestamp: time.Now()})
		e.appendLog(ctx, re, exec.ID().String(), name, journal.SeverityInfo, fmt.Sprintf("node %s (%s) started", name, node.Type))
	}

	// Loop nodes are engine-driven: the body subgraph runs once per
	// collection item rather than through the executor's Execute.
	if node.Type == "loop" && resume == nil {
		return e.executeLoop(ctx, exec, re, name, node, evaluatedConfig, inputData)
	}

	credentials, credErr := e.resolveCredentials(ctx, evaluatedConfig)
	if credErr != nil {
		return e.applyOnError(ctx, exec, re, name, node, credErr)
	}

	varStore := &scopedVariableStore{engine: e, exec: exec, re: re, nodeID: name}
	input := &runtime.ExecutionInput{
		NodeID:      name,
		NodeConfig:  evaluatedConfig,
		InputData:   inputData,
		Credentials: credentials,
		Context: &runtime.ExecutionContext{
			ExecutionID: exec.ID().String(),
			WorkflowID:  exec.WorkflowID(),
			UserID:      exec.UserID(),
			Variables:   re.scope.Variables,
			Mode:        string(exec.TriggerType()),
			Vars:        varStore,
			Cancelled:   re.cancelSignal(),
		},
		Resume: resume,
	}

	output, nodeErr := e.runWithRetry(ctx, exec, re, name, executor, input)

	if output != nil && output.Suspend != nil {
		e.suspendNode(ctx, exec, re, name, output.Suspend)
		return dispatchResult{nodeName: name, suspended: true}
	}

	if nodeErr != nil {
		return e.applyOnError(ctx, exec, re, name, node, nodeErr)
	}

	return e.completeNode(ctx, exec, re, name, output)
}

// cancelSignal is the channel honoring runtime.ExecutionContext's
// Cancelled contract; markCancelled (engine.go) closes it when Cancel()
// records a cancel signal.
func (re *runningExecution) cancelSignal() <-chan struct{} {
	re.mu.Lock()
	defer re.mu.Unlock()
	if re.cancelCh == nil {
		re.cancelCh = make(chan struct{})
	}
	return re.cancelCh
}

// runWithRetry invokes the executor, retrying a retryable NodeError
// within the engine's retry budget before surfacing a terminal
// failure: MaxRetries retries after the first attempt, with
// exponential backoff (1s→2s→4s by default, jittered) before each
// retry. Validation/auth/not_found/cancelled kinds never retry
// regardless of budget left.
func (e *Engine) runWithRetry(ctx context.Context, exec *execmodel.Execution, re *runningExecution, name string, executor runtime.NodeExecutor, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, *runtime.NodeError) {
	cfg := e.retryConfig
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr *runtime.NodeError
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if re.isCancelled() {
			return nil, runtime.NewNodeError(runtime.ErrorKindCancelled, "execution cancelled", nil)
		}

		output, err := executor.Execute(ctx, input)
		if err == nil && output == nil {
			output = &runtime.ExecutionOutput{Data: make(map[string]interface{})}
		}
		if err != nil {
			lastErr = runtime.AsNodeError(err)
		} else if output.Suspend != nil {
			return output, nil
		} else if output.Error != nil {
			lastErr = runtime.AsNodeError(output.Error)
		} else {
			return output, nil
		}

		if !lastErr.Retryable || attempt == cfg.MaxRetries {
			return nil, lastErr
		}

		retry := attempt + 1
		re.mu.Lock()
		_ = exec.RetryNodeExecution(name)
		re.mu.Unlock()
		e.appendLog(ctx, re, exec.ID().String(), name, journal.SeverityWarn,
			fmt.Sprintf("attempt %d failed (%s), retry %d/%d: %s", attempt+1, lastErr.Kind, retry, cfg.MaxRetries, lastErr.Message))

		select {
		case <-ctx.Done():
			return nil, runtime.NewNodeError(runtime.ErrorKindCancelled, ctx.Err().Error(), ctx.Err())
		case <-time.After(calculateDelay(cfg, retry)):
		}
	}
	return nil, lastErr
}

// applyOnError decides what happens to the execution after a node's
// terminal (non-retried) failure, per the node's OnErrorPolicy:
// continue past it, substitute a fallback value, jump to a named node,
// or fail the whole execution.
func (e *Engine) applyOnError(ctx context.Context, exec *execmodel.Execution, re *runningExecution, name string, node wfmodel.Node, nodeErr *runtime.NodeError) dispatchResult {
	policy := node.OnError
	strategy := wfmodel.OnErrorFail
	if policy != nil && policy.Strategy != "" {
		strategy = policy.Strategy
	}

	execErr := execmodel.ExecutionError{Code: string(nodeErr.Kind), Message: nodeErr.Message, NodeID: name}

	e.appendLog(ctx, re, exec.ID().String(), name, journal.SeverityError, fmt.Sprintf("node %s failed: %s", name, nodeErr.Message))
	e.publisher.Publish(Event{Kind: EventNodeFailed, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), NodeID: name, Timestamp: time.Now()})

	// The fail strategy is the only one that leaves the node in its
	// failed state; the recovering strategies record the error but let
	// the node complete with a substitute output.
	if strategy == wfmodel.OnErrorFail || (strategy == wfmodel.OnErrorGoto && policy.GotoNode == "") {
		re.mu.Lock()
		_ = exec.FailNodeExecution(name, execErr)
		re.pendingFailure = &execErr
		re.mu.Unlock()
		return dispatchResult{nodeName: name, failed: true}
	}

	re.mu.Lock()
	exec.NoteNodeError(name, execErr)
	re.mu.Unlock()

	switch strategy {
	case wfmodel.OnErrorContinue:
		data := map[string]interface{}{"error": nodeErr.Message, "errorKind": string(nodeErr.Kind)}
		return e.completeNode(ctx, exec, re, name, &runtime.ExecutionOutput{Data: data})
	case wfmodel.OnErrorFallback:
		data := map[string]interface{}{}
		if m, ok := policy.FallbackValue.(map[string]interface{}); ok {
			data = m
		} else if policy.FallbackValue != nil {
			data["value"] = policy.FallbackValue
		}
		return e.completeNode(ctx, exec, re, name, &runtime.ExecutionOutput{Data: data})
	default: // goto
		data := map[string]interface{}{"error": nodeErr.Message}
		res := e.completeNode(ctx, exec, re, name, &runtime.ExecutionOutput{Data: data})
		res.goto_ = policy.GotoNode
		return res
	}
}

// completeNode finalizes a node's output: persists it on the Execution,
// merges it into the interpolation scope's outputs frame, clears any
// suspension bookkeeping, and reports the handle the node exited on so
// the scheduler can prune conditional/loop successors.
func (e *Engine) completeNode(ctx context.Context, exec *execmodel.Execution, re *runningExecution, name string, output *runtime.ExecutionOutput) dispatchResult {
	if output == nil {
		output = &runtime.ExecutionOutput{Data: make(map[string]interface{})}
	}
	if output.Data == nil {
		output.Data = make(map[string]interface{})
	}

	re.mu.Lock()
	_ = exec.CompleteNodeExecution(name, output.Data)
	exec.ClearSuspension()
	re.scope.Outputs[name] = output.Data
	delete(re.tempVars, name)
	re.mu.Unlock()

	handle, _ := output.Data["_output"].(string)

	e.publisher.Publish(Event{Kind: EventNodeCompleted, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), NodeID: name, Timestamp: time.Now()})
	for _, l := range output.Logs {
		e.appendLog(ctx, re, exec.ID().String(), name, journal.Severity(l.Level), l.Message)
	}

	return dispatchResult{nodeName: name, handle: handle}
}

// suspendNode durably parks the execution at a user-input or delay
// node instead of blocking a goroutine on it. A
// delay suspension schedules its own resume timer; a user-input
// suspension waits for an external signal via ResumeInput.
func (e *Engine) suspendNode(ctx context.Context, exec *execmodel.Execution, re *runningExecution, name string, susp *runtime.Suspension) {
	re.mu.Lock()
	switch susp.Reason {
	case "delay":
		resumeAt := time.UnixMilli(*susp.ResumeAt)
		_ = exec.SuspendForDelay(name, resumeAt)
	default:
		_ = exec.SuspendForInput(name)
	}
	re.mu.Unlock()

	e.persist(ctx, exec)
	e.appendLog(ctx, re, exec.ID().String(), name, journal.SeverityInfo, fmt.Sprintf("node %s suspended (%s)", name, susp.Reason))

	if susp.Reason == "delay" {
		delay := time.Until(time.UnixMilli(*susp.ResumeAt))
		if delay < 0 {
			delay = 0
		}
		re.mu.Lock()
		re.delayTimer = time.AfterFunc(delay, func() {
			e.resumeDelay(context.Background(), exec.ID())
		})
		re.mu.Unlock()
	}
}

// failBeforeStart records a failure for a node that never reached
// StartNodeExecution (unknown type, bad config) without touching node-
// execution bookkeeping that was never created.
func (e *Engine) failBeforeStart(ctx context.Context, exec *execmodel.Execution, re *runningExecution, name string, nodeErr *runtime.NodeError) dispatchResult {
	execErr := execmodel.ExecutionError{Code: string(nodeErr.Kind), Message: nodeErr.Message, NodeID: name}
	re.mu.Lock()
	re.pendingFailure = &execErr
	re.mu.Unlock()
	e.appendLog(ctx, re, exec.ID().String(), name, journal.SeverityError, nodeErr.Message)
	e.publisher.Publish(Event{Kind: EventNodeFailed, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), NodeID: name, Timestamp: time.Now()})
	return dispatchResult{nodeName: name, failed: true}
}

// buildNodeInput merges the output data of a node's already-completed
// predecessors into one flat input map. Caller holds re.mu.
func (e *Engine) buildNodeInput(re *runningExecution, node wfmodel.Node, name string) map[string]interface{} {
	input := make(map[string]interface{})
	for _, edge := range re.snap.Definition.Predecessors(name) {
		sourceOutput, ok := re.scope.Outputs[edge.Source]
		if !ok {
			continue
		}
		for k, v := range sourceOutput {
			if k == "_output" || k == "_loopState" {
				continue
			}
			input[k] = v
		}
	}
	return input
}

// interpolateConfig resolves every "${...}" placeholder in a node's
// config against the execution's scope. Caller must not hold re.mu;
// this takes its own lock around the scope read/write.
func (e *Engine) interpolateConfig(re *runningExecution, config map[string]interface{}) (map[string]interface{}, error) {
	re.mu.Lock()
	defer re.mu.Unlock()
	parser := expression.NewParser()
	resolved, err := parser.EvaluateTemplate(config, re.scope)
	if err != nil {
		return nil, err
	}
	m, _ := resolved.(map[string]interface{})
	if m == nil {
		m = make(map[string]interface{})
	}
	return m, nil
}

// resolveCredentials looks up a node's "credentialId" config field
// through the injected CredentialProvider. Most node types resolve
// their own provider-specific credentials (database-query,
// integration-operation); this generic path covers types like "llm"
// that only need a single bearer secret.
func (e *Engine) resolveCredentials(ctx context.Context, config map[string]interface{}) (map[string]interface{}, *runtime.NodeError) {
	credID, _ := config["credentialId"].(string)
	if credID == "" || e.credentials == nil {
		return nil, nil
	}
	creds, err := e.credentials.ResolveCredential(ctx, credID)
	if err != nil {
		return nil, runtime.NewNodeError(runtime.ErrorKindAuth, fmt.Sprintf("failed to resolve credential %s: %v", credID, err), err)
	}
	return creds, nil
}
