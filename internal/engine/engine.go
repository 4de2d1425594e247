// Package engine implements the durable workflow state machine: a
// ready-set scheduler that dispatches nodes from a pinned Definition
// snapshot, applies per-node retry/onError policy, and durably parks
// executions at user-input/delay suspension points instead of blocking
// a goroutine on them. Within one execution node transitions are
// totally ordered; parallelism exists across executions and across
// independent ready nodes of a single round.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	execrepo "github.com/flowmaestro/flowmaestro/internal/execution/domain/repository"
	"github.com/flowmaestro/flowmaestro/internal/expression"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	"github.com/flowmaestro/flowmaestro/internal/version"
)

// EventKind enumerates the engine lifecycle event types delivered to
// fan-out subscribers.
type EventKind string

const (
	EventExecutionStarted   EventKind = "execution.started"
	EventNodeStarted        EventKind = "node.started"
	EventNodeCompleted      EventKind = "node.completed"
	EventNodeFailed         EventKind = "node.failed"
	EventExecutionCompleted EventKind = "execution.completed"
	EventExecutionFailed    EventKind = "execution.failed"
	EventExecutionCancelled EventKind = "execution.cancelled"
	EventLogAppended        EventKind = "log.appended"
)

// Event is one fan-out notification. UserID scopes delivery to the
// owning user's subscribers.
type Event struct {
	Kind        EventKind
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string
	Data        map[string]interface{}
	Timestamp   time.Time
}

// EventPublisher is implemented by internal/fanout's Hub. The engine
// never imports fanout, keeping the dependency one-directional.
type EventPublisher interface {
	Publish(event Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// GlobalVariableStore backs the "global" variable scope: shared
// per-user, last-write-wins, outliving any single execution.
type GlobalVariableStore interface {
	Get(userID, key string) (interface{}, bool)
	Set(userID, key string, value interface{})
	Delete(userID, key string)
}

// InMemoryGlobalStore is a process-local GlobalVariableStore.
type InMemoryGlobalStore struct {
	mu   sync.RWMutex
	data map[string]map[string]interface{}
}

func NewInMemoryGlobalStore() *InMemoryGlobalStore {
	return &InMemoryGlobalStore{data: make(map[string]map[string]interface{})}
}

func (s *InMemoryGlobalStore) Get(userID, key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[userID][key]
	return v, ok
}

func (s *InMemoryGlobalStore) Set(userID, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[userID] == nil {
		s.data[userID] = make(map[string]interface{})
	}
	s.data[userID][key] = value
}

func (s *InMemoryGlobalStore) Delete(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[userID], key)
}

// CredentialProvider resolves an opaque credential id. Forwarded to the
// node executors that declare a need for one (database-query,
// integration-operation); the engine itself never inspects credentials.
type CredentialProvider interface {
	ResolveCredential(ctx context.Context, credentialID string) (map[string]interface{}, error)
}

// Engine runs Executions to completion (or suspension) against the node
// executor registry.
type Engine struct {
	registry    *runtime.Registry
	execRepo    execrepo.ExecutionRepository
	versions    version.Store
	journal     journal.Journal
	publisher   EventPublisher
	globalVars  GlobalVariableStore
	credentials CredentialProvider
	logger      *zap.Logger
	retryConfig *RetryConfig

	cancelGraceWindow time.Duration

	mu      sync.Mutex
	running map[execmodel.ExecutionID]*runningExecution
}

// runningExecution is the engine's in-memory coordination state for one
// in-flight execution: cancellation, the journal sequence counter, and
// the interpolation scope.
type runningExecution struct {
	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}

	seq          int64
	lastSignalID int64 // highest user_input signal id applied; dedups redelivery

	exec     *execmodel.Execution
	scope    *expression.Scope
	tempVars map[string]map[string]interface{} // nodeID -> temporary scope
	readyAt  map[string]bool                   // nodes ever admitted to the ready set
	admits   map[string]int                    // per-node ready-set admissions, deadlock guard
	inFlight map[string]bool                   // nodes currently dispatched
	snap     *version.Snapshot

	pendingFailure *execmodel.ExecutionError // set by the onError=fail path before run() observes r.failed
	pendingReady   []string                  // ready nodes parked by a suspension, merged back on resume
	delayTimer     *time.Timer               // resume timer for an in-flight "delay" suspension
}

func (r *runningExecution) nextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

func (r *runningExecution) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	if r.cancelCh != nil {
		select {
		case <-r.cancelCh:
		default:
			close(r.cancelCh)
		}
	} else {
		r.cancelCh = make(chan struct{})
		close(r.cancelCh)
	}
	if r.delayTimer != nil {
		r.delayTimer.Stop()
	}
	r.mu.Unlock()
}

func (r *runningExecution) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithExecutionRepository(repo execrepo.ExecutionRepository) Option {
	return func(e *Engine) { e.execRepo = repo }
}

func WithVersionStore(store version.Store) Option {
	return func(e *Engine) { e.versions = store }
}

func WithJournal(j journal.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithGlobalVariableStore(s GlobalVariableStore) Option {
	return func(e *Engine) { e.globalVars = s }
}

func WithCredentialProvider(p CredentialProvider) Option {
	return func(e *Engine) { e.credentials = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithRetryConfig(c *RetryConfig) Option {
	return func(e *Engine) { e.retryConfig = c }
}

// WithCancelGraceWindow overrides how long cancelled executions wait
// for in-flight executors before being abandoned.
func WithCancelGraceWindow(d time.Duration) Option {
	return func(e *Engine) { e.cancelGraceWindow = d }
}

// NewEngine builds an Engine. Production callers wire a Postgres
// execution repository, version store and journal; tests and the
// zero-dependency local runner can pass the in-memory implementations.
func NewEngine(registry *runtime.Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = runtime.NewRegistry()
	}
	logger, _ := zap.NewProduction()
	e := &Engine{
		registry:    registry,
		publisher:   noopPublisher{},
		globalVars:  NewInMemoryGlobalStore(),
		logger:      logger,
		retryConfig: DefaultRetryConfig(),
		running:     make(map[execmodel.ExecutionID]*runningExecution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates and synchronously runs a new execution of workflowID
// at its latest pinned version, returning once it completes, fails, or
// suspends. The engine always loads the definition from the snapshot
// store, never from the mutable workflow row.
func (e *Engine) Start(ctx context.Context, workflowID, userID string, trigger execmodel.TriggerType, inputData map[string]interface{}) (*execmodel.Execution, error) {
	exec, err := e.CreateExecution(ctx, workflowID, userID, trigger, inputData)
	if err != nil {
		return nil, err
	}
	if err := e.RunExecution(ctx, exec.ID()); err != nil {
		return nil, err
	}
	return exec, nil
}

// StartDetached creates a new execution and returns as soon as it is
// persisted; the scheduling loop runs on its own goroutine. Used by
// triggers that must answer their caller before the workflow finishes.
func (e *Engine) StartDetached(ctx context.Context, workflowID, userID string, trigger execmodel.TriggerType, inputData map[string]interface{}) (*execmodel.Execution, error) {
	exec, err := e.CreateExecution(ctx, workflowID, userID, trigger, inputData)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := e.RunExecution(context.Background(), exec.ID()); err != nil {
			e.logger.Error("detached execution failed to run",
				zap.String("executionId", exec.ID().String()), zap.Error(err))
		}
	}()
	return exec, nil
}

// CreateExecution persists a pending execution pinned to the
// workflow's latest snapshot without dispatching anything. A later
// RunExecution call (possibly after sitting in an admission queue)
// drives it.
func (e *Engine) CreateExecution(ctx context.Context, workflowID, userID string, trigger execmodel.TriggerType, inputData map[string]interface{}) (*execmodel.Execution, error) {
	if e.versions == nil {
		return nil, fmt.Errorf("engine has no version store configured")
	}
	snap, err := e.versions.Latest(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load latest version for workflow %s: %w", workflowID, err)
	}
	return e.CreateExecutionAtVersion(ctx, snap, userID, trigger, inputData)
}

// CreateExecutionAtVersion is CreateExecution for callers that already
// resolved the snapshot to pin.
func (e *Engine) CreateExecutionAtVersion(ctx context.Context, snap *version.Snapshot, userID string, trigger execmodel.TriggerType, inputData map[string]interface{}) (*execmodel.Execution, error) {
	if err := snap.Definition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}

	exec, err := execmodel.NewExecution(snap.WorkflowID, snap.Number, userID, trigger, inputData)
	if err != nil {
		return nil, err
	}

	re := &runningExecution{
		exec:     exec,
		scope:    expression.NewScope(),
		tempVars: make(map[string]map[string]interface{}),
		readyAt:  make(map[string]bool),
		admits:   make(map[string]int),
		inFlight: make(map[string]bool),
		snap:     snap,
	}
	re.scope.Inputs = inputData
	if re.scope.Inputs == nil {
		re.scope.Inputs = make(map[string]interface{})
	}
	re.scope.Trigger = map[string]interface{}{"type": string(trigger)}

	e.mu.Lock()
	e.running[exec.ID()] = re
	e.mu.Unlock()

	if e.execRepo != nil {
		if err := e.execRepo.Save(ctx, exec); err != nil {
			e.forget(exec.ID())
			return nil, fmt.Errorf("persist execution: %w", err)
		}
	}
	return exec, nil
}

// RunExecution transitions a pending execution to running and drives
// its scheduling loop until it reaches a terminal state or suspends.
func (e *Engine) RunExecution(ctx context.Context, id execmodel.ExecutionID) error {
	re := e.lookup(id)
	if re == nil {
		return ErrNotRunning
	}
	exec := re.exec
	if re.isCancelled() {
		e.finishCancelled(ctx, exec, re)
		return nil
	}
	if err := exec.Start(); err != nil {
		return err
	}
	e.persist(ctx, exec)

	e.publisher.Publish(Event{
		Kind: EventExecutionStarted, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(),
		UserID: exec.UserID(), Timestamp: time.Now(),
		Data: map[string]interface{}{"trigger": string(exec.TriggerType())},
	})
	e.appendLog(ctx, re, exec.ID().String(), "", journal.SeverityInfo, fmt.Sprintf("execution started at version %d", re.snap.Number))

	entry := re.snap.Definition.EntryPoint
	re.readyAt[entry] = true
	e.run(ctx, exec, re, []string{entry})
	return nil
}

// run drives the ready-set scheduling loop: each round dispatches
// every currently-ready node concurrently, bounded by
// Settings.MaxConcurrentNodes, waits for the round to finish, then
// recomputes the ready set from newly satisfied successors. A node that
// suspends halts the loop without failing the execution; Resume*
// reenters run() once the suspension clears.
func (e *Engine) run(ctx context.Context, exec *execmodel.Execution, re *runningExecution, ready []string) {
	maxConcurrent := re.snap.Definition.Settings.MaxConcurrentNodes

	for len(ready) > 0 {
		if re.isCancelled() {
			e.finishCancelled(ctx, exec, re)
			return
		}

		batch := ready
		var carry []string
		if maxConcurrent > 0 && len(batch) > maxConcurrent {
			batch = ready[:maxConcurrent]
			carry = append([]string{}, ready[maxConcurrent:]...)
		}

		results := e.dispatchBatch(ctx, exec, re, batch)

		var nextReady []string
		sawFailure := false
		sawSuspend := false
		for _, r := range results {
			switch {
			case r.suspended:
				sawSuspend = true
			case r.failed:
				sawFailure = true
			case r.goto_ != "":
				// A goto jump overrides normal successor computation and
				// is not gated on the target's inbound dependencies.
				nextReady = append(nextReady, r.goto_)
			default:
				nextReady = append(nextReady, e.computeSuccessors(exec, re, r.nodeName, r.handle)...)
			}
		}

		if sawSuspend {
			// Execution stays running/waiting_for_input; carried-over
			// ready work and successors are parked and merged back into
			// the ready set once the suspension clears.
			re.mu.Lock()
			re.pendingReady = dedupStrings(append(carry, nextReady...))
			re.mu.Unlock()
			e.persist(ctx, exec)
			return
		}
		if sawFailure {
			e.finishFailed(ctx, exec, re)
			return
		}

		ready = dedupStrings(append(carry, nextReady...))

		if len(ready) == 0 {
			break
		}
		for _, n := range nextReady {
			re.admits[n]++
			if re.admits[n] > maxNodeAdmissions {
				// The graph is acyclic by construction, so a node being
				// re-admitted this many times means dependency tracking
				// (or a goto cycle) has gone wrong.
				e.finishDeadlock(ctx, exec, re)
				return
			}
		}
		for _, n := range ready {
			re.readyAt[n] = true
		}
	}

	e.finishCompleted(ctx, exec, re)
}

// maxNodeAdmissions bounds how often one node may re-enter the ready
// set within a single execution before the engine declares the
// scheduling state broken.
const maxNodeAdmissions = 1000

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// computeSuccessors resolves the outgoing edges of a completed node,
// restricted to the handle it exited on (conditional/loop semantics),
// and returns the ones whose inbound dependencies are now all satisfied.
func (e *Engine) computeSuccessors(exec *execmodel.Execution, re *runningExecution, nodeName, handle string) []string {
	edges := re.snap.Definition.Successors(nodeName, handle)
	var out []string
	for _, edge := range edges {
		if e.dependenciesSatisfied(exec, re, edge.Target) {
			out = append(out, edge.Target)
		}
	}
	return out
}

func (e *Engine) dependenciesSatisfied(exec *execmodel.Execution, re *runningExecution, nodeName string) bool {
	for _, pred := range re.snap.Definition.Predecessors(nodeName) {
		ne, ok := exec.NodeExecutions()[pred.Source]
		if !ok || ne.Status != execmodel.ExecutionStatusCompleted {
			return false
		}
	}
	return true
}

func (e *Engine) finishCompleted(ctx context.Context, exec *execmodel.Execution, re *runningExecution) {
	if isTerminal(exec.Status()) {
		return
	}
	outputs := make(map[string]interface{}, len(exec.NodeExecutions()))
	for name, ne := range exec.NodeExecutions() {
		outputs[name] = ne.OutputData
	}
	_ = exec.Complete(outputs)
	e.persist(ctx, exec)
	e.appendLog(ctx, re, exec.ID().String(), "", journal.SeverityInfo, "execution completed")
	e.publisher.Publish(Event{Kind: EventExecutionCompleted, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), Timestamp: time.Now()})
	e.forget(exec.ID())
}

func (e *Engine) finishFailed(ctx context.Context, exec *execmodel.Execution, re *runningExecution) {
	if isTerminal(exec.Status()) {
		return
	}
	re.mu.Lock()
	errInfo := re.pendingFailure
	re.mu.Unlock()
	if errInfo == nil {
		errInfo = exec.Error()
	}
	if errInfo == nil {
		errInfo = &execmodel.ExecutionError{Code: "unknown", Message: "execution failed", NodeID: exec.FailedNode()}
	}
	_ = exec.Fail(*errInfo)
	e.persist(ctx, exec)
	e.appendLog(ctx, re, exec.ID().String(), errInfo.NodeID, journal.SeverityError, errInfo.Message)
	e.publisher.Publish(Event{Kind: EventExecutionFailed, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), NodeID: errInfo.NodeID, Timestamp: time.Now()})
	e.forget(exec.ID())
}

func (e *Engine) finishCancelled(ctx context.Context, exec *execmodel.Execution, re *runningExecution) {
	if isTerminal(exec.Status()) {
		return
	}
	_ = exec.Cancel()
	e.persist(ctx, exec)
	e.appendLog(ctx, re, exec.ID().String(), "", journal.SeverityWarn, "execution cancelled")
	e.publisher.Publish(Event{Kind: EventExecutionCancelled, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), Timestamp: time.Now()})
	e.forget(exec.ID())
}

func (e *Engine) finishDeadlock(ctx context.Context, exec *execmodel.Execution, re *runningExecution) {
	if isTerminal(exec.Status()) {
		return
	}
	_ = exec.Fail(execmodel.ExecutionError{Code: "deadlock", Message: "ready set non-empty but no node dispatchable"})
	e.persist(ctx, exec)
	e.appendLog(ctx, re, exec.ID().String(), "", journal.SeverityError, "deadlock detected: dependency tracking invariant violated")
	e.publisher.Publish(Event{Kind: EventExecutionFailed, ExecutionID: exec.ID().String(), WorkflowID: exec.WorkflowID(), UserID: exec.UserID(), Timestamp: time.Now()})
	e.forget(exec.ID())
}

func (e *Engine) persist(ctx context.Context, exec *execmodel.Execution) {
	if e.execRepo == nil {
		return
	}
	if err := e.execRepo.Update(ctx, exec); err != nil {
		e.logger.Error("failed to persist execution", zap.String("executionId", exec.ID().String()), zap.Error(err))
	}
}

func (e *Engine) forget(id execmodel.ExecutionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *Engine) appendLog(ctx context.Context, re *runningExecution, executionID, nodeID string, level journal.Severity, message string) {
	if e.journal == nil {
		return
	}
	entry := journal.Entry{
		ExecutionID: executionID,
		Sequence:    re.nextSeq(),
		Level:       level,
		NodeID:      nodeID,
		Message:     message,
		Timestamp:   time.Now(),
	}
	if err := e.journal.Append(ctx, entry); err != nil {
		e.logger.Warn("failed to append journal entry", zap.Error(err))
	}
	e.publisher.Publish(Event{Kind: EventLogAppended, ExecutionID: executionID, NodeID: nodeID, Data: map[string]interface{}{"level": string(level), "message": message}, Timestamp: time.Now()})
}

// GetExecution loads a persisted execution by id.
func (e *Engine) GetExecution(ctx context.Context, id execmodel.ExecutionID) (*execmodel.Execution, error) {
	if e.execRepo == nil {
		return nil, fmt.Errorf("engine has no execution repository configured")
	}
	return e.execRepo.FindByID(ctx, id)
}
