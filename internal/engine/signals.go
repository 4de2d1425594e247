package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/expression"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	"github.com/flowmaestro/flowmaestro/internal/version"
)

// DefaultCancelGrace is how long the engine waits for in-flight
// executors to observe a cancel signal before abandoning them and
// recording the terminal cancelled state anyway. Outputs produced by an
// abandoned executor are ignored.
const DefaultCancelGrace = 5 * time.Second

// ErrSignalStale is returned when a signal's id is not greater than the
// last one applied to the execution. Delivery is at-least-once, so a
// redelivered signal is dropped here rather than applied twice.
var ErrSignalStale = fmt.Errorf("signal already applied")

// ErrNotWaiting is returned when a user_input signal targets an
// execution that is not parked at a user-input node.
var ErrNotWaiting = fmt.Errorf("execution is not waiting for input")

// ErrNotRunning is returned for signals targeting an execution the
// engine is not currently tracking (already terminal, or never started
// on this process and not recoverable).
var ErrNotRunning = fmt.Errorf("execution is not running")

// SubmitInput delivers a user_input signal to an execution parked at a
// user-input node. signalID must increase monotonically per execution;
// a signal whose id is not greater than the last applied one is
// dropped with ErrSignalStale so at-least-once delivery cannot apply a
// payload twice. Passing signalID 0 lets the engine assign the next id,
// for callers that do not track their own sequence.
func (e *Engine) SubmitInput(ctx context.Context, id execmodel.ExecutionID, signalID int64, payload interface{}) error {
	re := e.lookup(id)
	if re == nil {
		return ErrNotRunning
	}

	re.mu.Lock()
	if signalID == 0 {
		signalID = re.lastSignalID + 1
	}
	if signalID <= re.lastSignalID {
		re.mu.Unlock()
		return ErrSignalStale
	}
	exec := re.exec
	if exec.Status() != execmodel.ExecutionStatusWaitingForInput || exec.PauseNodeID() == "" {
		re.mu.Unlock()
		return ErrNotWaiting
	}
	re.lastSignalID = signalID
	nodeID := exec.PauseNodeID()
	if err := exec.Resume(); err != nil {
		re.mu.Unlock()
		return err
	}
	re.mu.Unlock()

	e.persist(ctx, exec)
	e.appendLog(ctx, re, exec.ID().String(), nodeID, journal.SeverityInfo, fmt.Sprintf("user input received (signal %d)", signalID))

	e.resumeNode(ctx, exec, re, nodeID, &runtime.ResumeSignal{Kind: "user-input", Payload: payload})
	return nil
}

// Cancel requests cooperative cancellation of an execution. The cancel
// flag becomes observable to the scheduling loop at its next round and
// to executors through their Cancelled channel. An execution parked at
// a suspension point is finalized immediately; one with in-flight
// executors is given a grace window, after which it is finalized anyway
// and the stragglers' outputs are ignored.
func (e *Engine) Cancel(ctx context.Context, id execmodel.ExecutionID) error {
	re := e.lookup(id)
	if re == nil {
		return ErrNotRunning
	}
	re.markCancelled()

	re.mu.Lock()
	exec := re.exec
	parked := exec.Status() == execmodel.ExecutionStatusPending ||
		exec.Status() == execmodel.ExecutionStatusWaitingForInput ||
		exec.PauseReason() == "delay"
	re.mu.Unlock()

	e.appendLog(ctx, re, exec.ID().String(), "", journal.SeverityWarn, "cancel signal received")

	if parked {
		// No goroutine is driving this execution; finalize here.
		e.finishCancelled(ctx, exec, re)
		return nil
	}

	// The scheduling loop observes the flag between rounds. If an
	// executor ignores its Cancelled channel past the grace window the
	// execution is abandoned and recorded cancelled regardless.
	go func() {
		timer := time.NewTimer(e.cancelGrace())
		defer timer.Stop()
		<-timer.C
		if e.lookup(id) != nil && !isTerminal(exec.Status()) {
			e.logger.Warn("abandoning execution after cancel grace window",
				zap.String("executionId", id.String()))
			e.finishCancelled(context.Background(), exec, re)
		}
	}()
	return nil
}

func (e *Engine) cancelGrace() time.Duration {
	if e.cancelGraceWindow > 0 {
		return e.cancelGraceWindow
	}
	return DefaultCancelGrace
}

func isTerminal(s execmodel.ExecutionStatus) bool {
	switch s {
	case execmodel.ExecutionStatusCompleted, execmodel.ExecutionStatusFailed, execmodel.ExecutionStatusCancelled:
		return true
	}
	return false
}

// resumeDelay is the delay timer's firing path: it re-enters the parked
// delay node and finalizes its output, then continues scheduling from
// its successors.
func (e *Engine) resumeDelay(ctx context.Context, id execmodel.ExecutionID) {
	re := e.lookup(id)
	if re == nil {
		return
	}
	if re.isCancelled() {
		return
	}

	re.mu.Lock()
	exec := re.exec
	nodeID := exec.PauseNodeID()
	if exec.PauseReason() != "delay" || nodeID == "" {
		re.mu.Unlock()
		return
	}
	re.delayTimer = nil
	re.mu.Unlock()

	e.resumeNode(ctx, exec, re, nodeID, &runtime.ResumeSignal{Kind: "delay"})
}

// resumeNode re-enters a previously suspended node and then drives the
// scheduling loop onward from whatever the re-entry produced, merging
// back any ready work the suspension parked.
func (e *Engine) resumeNode(ctx context.Context, exec *execmodel.Execution, re *runningExecution, nodeID string, sig *runtime.ResumeSignal) {
	res := e.executeNode(ctx, exec, re, nodeID, sig)

	re.mu.Lock()
	parked := re.pendingReady
	re.pendingReady = nil
	re.mu.Unlock()

	switch {
	case res.suspended:
		// The node suspended again; stay parked.
		re.mu.Lock()
		re.pendingReady = parked
		re.mu.Unlock()
		e.persist(ctx, exec)
	case res.failed:
		e.finishFailed(ctx, exec, re)
	case res.goto_ != "":
		ready := dedupStrings(append(parked, res.goto_))
		for _, n := range ready {
			re.readyAt[n] = true
		}
		e.run(ctx, exec, re, ready)
	default:
		next := e.computeSuccessors(exec, re, res.nodeName, res.handle)
		ready := dedupStrings(append(parked, next...))
		for _, n := range ready {
			re.readyAt[n] = true
		}
		e.run(ctx, exec, re, ready)
	}
}

// DescribeResult is the synchronous, read-only snapshot the describe
// query returns. It never mutates engine state.
type DescribeResult struct {
	ExecutionID   string                            `json:"executionId"`
	Status        execmodel.ExecutionStatus         `json:"status"`
	PauseReason   string                            `json:"pauseReason,omitempty"`
	PauseNodeID   string                            `json:"pauseNodeId,omitempty"`
	DelayResumeAt *time.Time                        `json:"delayResumeAt,omitempty"`
	RunningNodes  []string                          `json:"runningNodes"`
	Outputs       map[string]map[string]interface{} `json:"outputs"`
	Error         *execmodel.ExecutionError         `json:"error,omitempty"`
}

// Describe answers the read-only describe query for an execution the
// engine is tracking: current status, in-flight nodes, suspension
// reason, and partial outputs.
func (e *Engine) Describe(ctx context.Context, id execmodel.ExecutionID) (*DescribeResult, error) {
	re := e.lookup(id)
	if re == nil {
		// Not in-flight; fall back to the persisted record.
		if e.execRepo == nil {
			return nil, ErrNotRunning
		}
		exec, err := e.execRepo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return describeExecution(exec, nil), nil
	}

	re.mu.Lock()
	defer re.mu.Unlock()
	var inFlight []string
	for n := range re.inFlight {
		inFlight = append(inFlight, n)
	}
	return describeExecution(re.exec, inFlight), nil
}

func describeExecution(exec *execmodel.Execution, inFlight []string) *DescribeResult {
	outputs := make(map[string]map[string]interface{})
	for name, ne := range exec.NodeExecutions() {
		if ne.Status == execmodel.ExecutionStatusCompleted {
			outputs[name] = ne.OutputData
		}
	}
	if inFlight == nil {
		inFlight = []string{}
	}
	return &DescribeResult{
		ExecutionID:   exec.ID().String(),
		Status:        exec.Status(),
		PauseReason:   exec.PauseReason(),
		PauseNodeID:   exec.PauseNodeID(),
		DelayResumeAt: exec.DelayResumeAt(),
		RunningNodes:  inFlight,
		Outputs:       outputs,
		Error:         exec.Error(),
	}
}

func (e *Engine) lookup(id execmodel.ExecutionID) *runningExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[id]
}

// Recover reloads every non-terminal execution from the repository and
// resumes it: completed node outputs are replayed into a fresh scope,
// delay timers are re-armed (firing immediately when their deadline
// passed while the process was down), user-input parks stay parked, and
// interrupted running executions recompute their ready set and continue.
// Called once at process start, before triggers begin admitting work.
func (e *Engine) Recover(ctx context.Context) error {
	if e.execRepo == nil || e.versions == nil {
		return nil
	}

	var pending []*execmodel.Execution
	for _, status := range []execmodel.ExecutionStatus{execmodel.ExecutionStatusRunning, execmodel.ExecutionStatusWaitingForInput} {
		for offset := 0; ; offset += 500 {
			execs, err := e.execRepo.FindByStatus(ctx, status, offset, 500)
			if err != nil {
				return fmt.Errorf("list %s executions: %w", status, err)
			}
			pending = append(pending, execs...)
			if len(execs) < 500 {
				break
			}
		}
	}

	for _, exec := range pending {
		if err := e.recoverOne(ctx, exec); err != nil {
			e.logger.Error("failed to recover execution",
				zap.String("executionId", exec.ID().String()), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) recoverOne(ctx context.Context, exec *execmodel.Execution) error {
	snap, err := e.versions.Get(ctx, exec.WorkflowID(), exec.WorkflowVersion())
	if err != nil {
		return fmt.Errorf("load pinned snapshot v%d: %w", exec.WorkflowVersion(), err)
	}

	re := &runningExecution{
		exec:     exec,
		scope:    replayScope(exec),
		tempVars: make(map[string]map[string]interface{}),
		readyAt:  make(map[string]bool),
		admits:   make(map[string]int),
		inFlight: make(map[string]bool),
		snap:     snap,
	}
	// Journal sequence resumes past anything already written; a gap is
	// harmless, a duplicate is not.
	re.seq = int64(len(exec.ExecutionPath())) * 4
	if e.journal != nil {
		if entries, err := e.journal.List(ctx, exec.ID().String(), re.seq+1, "", "", 0); err == nil && len(entries) > 0 {
			re.seq = entries[len(entries)-1].Sequence
		}
	}

	e.mu.Lock()
	e.running[exec.ID()] = re
	e.mu.Unlock()

	for name := range exec.NodeExecutions() {
		re.readyAt[name] = true
	}

	switch {
	case exec.Status() == execmodel.ExecutionStatusWaitingForInput:
		// Stays parked until its signal arrives.
		return nil
	case exec.PauseReason() == "delay" && exec.DelayResumeAt() != nil:
		delay := time.Until(*exec.DelayResumeAt())
		if delay < 0 {
			delay = 0
		}
		re.mu.Lock()
		re.delayTimer = time.AfterFunc(delay, func() {
			e.resumeDelay(context.Background(), exec.ID())
		})
		re.mu.Unlock()
		return nil
	default:
		ready := e.recomputeReady(exec, re)
		if len(ready) == 0 && !anyNodeRunning(exec) {
			// Nothing left to do; the crash hit between the last node and
			// the terminal transition.
			e.finishCompleted(ctx, exec, re)
			return nil
		}
		go e.run(context.Background(), exec, re, ready)
		return nil
	}
}

// recomputeReady rebuilds the ready set from persisted node states:
// nodes whose dependencies are all completed and which have not
// themselves completed. A node that was mid-flight at the crash is
// re-dispatched; its attempt counter carries the interruption.
func (e *Engine) recomputeReady(exec *execmodel.Execution, re *runningExecution) []string {
	var ready []string
	for name := range re.snap.Definition.Nodes {
		ne := exec.NodeExecutions()[name]
		if ne != nil && ne.Status == execmodel.ExecutionStatusCompleted {
			continue
		}
		if !reachable(re.snap, exec, name) {
			continue
		}
		if e.dependenciesSatisfied(exec, re, name) {
			ready = append(ready, name)
		}
	}
	return ready
}

// reachable reports whether name is the entry point or downstream of an
// already-executed node, so recovery does not dispatch disconnected or
// handle-pruned branches.
func reachable(snap *version.Snapshot, exec *execmodel.Execution, name string) bool {
	if name == snap.Definition.EntryPoint {
		return exec.NodeExecutions()[name] == nil ||
			exec.NodeExecutions()[name].Status != execmodel.ExecutionStatusCompleted
	}
	for _, edge := range snap.Definition.Predecessors(name) {
		src := exec.NodeExecutions()[edge.Source]
		if src == nil || src.Status != execmodel.ExecutionStatusCompleted {
			continue
		}
		if edge.SourceHandle != "" {
			handle, _ := src.OutputData["_output"].(string)
			if handle != "" && handle != edge.SourceHandle {
				continue
			}
		}
		return true
	}
	return false
}

func anyNodeRunning(exec *execmodel.Execution) bool {
	for _, ne := range exec.NodeExecutions() {
		if ne.Status == execmodel.ExecutionStatusRunning {
			return true
		}
	}
	return false
}

// replayScope reconstructs the interpolation scope from the persisted
// execution: initial inputs plus every completed node's outputs.
func replayScope(exec *execmodel.Execution) *expression.Scope {
	scope := expression.NewScope()
	scope.Inputs = exec.InputData()
	if scope.Inputs == nil {
		scope.Inputs = make(map[string]interface{})
	}
	scope.Trigger = map[string]interface{}{"type": string(exec.TriggerType())}
	for name, ne := range exec.NodeExecutions() {
		if ne.Status == execmodel.ExecutionStatusCompleted {
			scope.Outputs[name] = ne.OutputData
		}
	}
	return scope
}
