package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memrepo "github.com/flowmaestro/flowmaestro/internal/execution/adapters/repository/memory"
	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	"github.com/flowmaestro/flowmaestro/internal/version"
	wfmodel "github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

// echoExecutor completes immediately, merging its config into its
// output so tests can observe interpolation results.
type echoExecutor struct{ typ string }

func (e *echoExecutor) GetType() string                              { return e.typ }
func (e *echoExecutor) Validate(map[string]interface{}) error        { return nil }
func (e *echoExecutor) GetMetadata() runtime.NodeMetadata            { return runtime.NodeMetadata{Type: e.typ} }
func (e *echoExecutor) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	data := make(map[string]interface{}, len(input.NodeConfig))
	for k, v := range input.NodeConfig {
		data[k] = v
	}
	return &runtime.ExecutionOutput{Data: data}, nil
}

// flakyExecutor fails with a retryable server error until succeedAfter
// attempts have been made.
type flakyExecutor struct {
	mu           sync.Mutex
	attempts     int
	succeedAfter int
}

func (e *flakyExecutor) GetType() string                       { return "flaky" }
func (e *flakyExecutor) Validate(map[string]interface{}) error { return nil }
func (e *flakyExecutor) GetMetadata() runtime.NodeMetadata     { return runtime.NodeMetadata{Type: "flaky"} }
func (e *flakyExecutor) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.attempts < e.succeedAfter {
		return &runtime.ExecutionOutput{Error: runtime.NewNodeError(runtime.ErrorKindServer, "upstream returned 500", nil)}, nil
	}
	return &runtime.ExecutionOutput{Data: map[string]interface{}{"ok": true}}, nil
}

// branchExecutor emits on the handle named by its config.
type branchExecutor struct{}

func (e *branchExecutor) GetType() string                       { return "branch" }
func (e *branchExecutor) Validate(map[string]interface{}) error { return nil }
func (e *branchExecutor) GetMetadata() runtime.NodeMetadata     { return runtime.NodeMetadata{Type: "branch"} }
func (e *branchExecutor) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	handle, _ := input.NodeConfig["handle"].(string)
	return &runtime.ExecutionOutput{Data: map[string]interface{}{"_output": handle}}, nil
}

// waitExecutor suspends for user input on first dispatch and echoes the
// delivered payload on resume.
type waitExecutor struct{}

func (e *waitExecutor) GetType() string                       { return "await" }
func (e *waitExecutor) Validate(map[string]interface{}) error { return nil }
func (e *waitExecutor) GetMetadata() runtime.NodeMetadata     { return runtime.NodeMetadata{Type: "await"} }
func (e *waitExecutor) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	if input.Resume == nil {
		return &runtime.ExecutionOutput{Suspend: &runtime.Suspension{Reason: "user-input"}}, nil
	}
	return &runtime.ExecutionOutput{Data: map[string]interface{}{"value": input.Resume.Payload}}, nil
}

// sleepExecutor suspends with a delay timer.
type sleepExecutor struct{ d time.Duration }

func (e *sleepExecutor) GetType() string                       { return "sleep" }
func (e *sleepExecutor) Validate(map[string]interface{}) error { return nil }
func (e *sleepExecutor) GetMetadata() runtime.NodeMetadata     { return runtime.NodeMetadata{Type: "sleep"} }
func (e *sleepExecutor) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	if input.Resume == nil {
		at := time.Now().Add(e.d).UnixMilli()
		return &runtime.ExecutionOutput{Suspend: &runtime.Suspension{Reason: "delay", ResumeAt: &at}}, nil
	}
	return &runtime.ExecutionOutput{Data: map[string]interface{}{"slept": true}}, nil
}

// varExecutor reads/writes the scoped variable store.
type varExecutor struct{}

func (e *varExecutor) GetType() string                       { return "vars" }
func (e *varExecutor) Validate(map[string]interface{}) error { return nil }
func (e *varExecutor) GetMetadata() runtime.NodeMetadata     { return runtime.NodeMetadata{Type: "vars"} }
func (e *varExecutor) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	scope := runtime.VariableScope(input.NodeConfig["scope"].(string))
	action, _ := input.NodeConfig["action"].(string)
	key, _ := input.NodeConfig["key"].(string)
	switch action {
	case "set":
		input.Context.Vars.Set(scope, key, input.NodeConfig["value"])
		return &runtime.ExecutionOutput{Data: map[string]interface{}{"set": true}}, nil
	default:
		v, ok := input.Context.Vars.Get(scope, key)
		return &runtime.ExecutionOutput{Data: map[string]interface{}{"value": v, "found": ok}}, nil
	}
}

// doubleExecutor doubles the numeric "value" config, used as a loop
// body.
type doubleExecutor struct{}

func (e *doubleExecutor) GetType() string                       { return "double" }
func (e *doubleExecutor) Validate(map[string]interface{}) error { return nil }
func (e *doubleExecutor) GetMetadata() runtime.NodeMetadata     { return runtime.NodeMetadata{Type: "double"} }
func (e *doubleExecutor) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	v, _ := input.NodeConfig["value"].(float64)
	return &runtime.ExecutionOutput{Data: map[string]interface{}{"value": v * 2}}, nil
}

// loopMarker only exists so the registry resolves the "loop" type; the
// engine drives loop nodes itself.
type loopMarker struct{}

func (e *loopMarker) GetType() string                       { return "loop" }
func (e *loopMarker) Validate(map[string]interface{}) error { return nil }
func (e *loopMarker) GetMetadata() runtime.NodeMetadata     { return runtime.NodeMetadata{Type: "loop"} }
func (e *loopMarker) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	return &runtime.ExecutionOutput{Data: map[string]interface{}{}}, nil
}

type capturedEvents struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturedEvents) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturedEvents) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func (c *capturedEvents) countAfter(kind EventKind, after EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := false
	n := 0
	for _, ev := range c.events {
		if ev.Kind == after {
			seen = true
			continue
		}
		if seen && ev.Kind == kind {
			n++
		}
	}
	return n
}

func testRegistry(t *testing.T) *runtime.Registry {
	t.Helper()
	reg := runtime.NewRegistry()
	for _, ex := range []runtime.NodeExecutor{
		&echoExecutor{typ: "echo"},
		&branchExecutor{},
		&waitExecutor{},
		&varExecutor{},
		&doubleExecutor{},
		&loopMarker{},
	} {
		require.NoError(t, reg.Register(ex))
	}
	return reg
}

func fastRetry() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// testHarness wires an engine over in-memory stores with one snapshot.
type testHarness struct {
	engine   *Engine
	repo     *memrepo.ExecutionRepository
	journal  *journal.InMemoryJournal
	events   *capturedEvents
	versions *version.InMemoryStore
}

func newHarness(t *testing.T, reg *runtime.Registry, def wfmodel.Definition) *testHarness {
	t.Helper()
	versions := version.NewInMemoryStore()
	require.NoError(t, versions.Create(context.Background(), &version.Snapshot{
		ID: "wf1:v1", WorkflowID: "wf1", Number: 1, Definition: def, CreatedBy: "u1", CreatedAt: time.Now(),
	}))

	h := &testHarness{
		repo:     memrepo.NewExecutionRepository(),
		journal:  journal.NewInMemoryJournal(),
		events:   &capturedEvents{},
		versions: versions,
	}
	h.engine = NewEngine(reg,
		WithExecutionRepository(h.repo),
		WithVersionStore(versions),
		WithJournal(h.journal),
		WithEventPublisher(h.events),
		WithRetryConfig(fastRetry()),
		WithCancelGraceWindow(time.Second),
	)
	return h
}

func def(nodes map[string]wfmodel.Node, edges []wfmodel.Edge, entry string) wfmodel.Definition {
	return wfmodel.Definition{Name: "test", Nodes: nodes, Edges: edges, EntryPoint: entry}
}

func TestLinearExecutionCompletes(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "echo", Config: map[string]interface{}{"greeting": "hello"}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{"echoed": "${outputs.n1.greeting} world"}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
	require.NotNil(t, exec.CompletedAt())
	assert.Equal(t, "hello world", exec.NodeExecutions()["n2"].OutputData["echoed"])

	kinds := h.events.kinds()
	assert.Equal(t, EventExecutionStarted, kinds[0])
	assert.Equal(t, EventExecutionCompleted, kinds[len(kinds)-1])
}

func TestInterpolationReachesInputsFrame(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "echo", Config: map[string]interface{}{"who": "${inputs.name}"}},
	}, nil, "n1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual,
		map[string]interface{}{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada", exec.NodeExecutions()["n1"].OutputData["who"])
}

func TestConditionalPrunesUnselectedBranch(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"c1":  {Name: "c1", Type: "branch", Config: map[string]interface{}{"handle": "true"}},
		"yes": {Name: "yes", Type: "echo", Config: map[string]interface{}{"took": "yes"}},
		"no":  {Name: "no", Type: "echo", Config: map[string]interface{}{"took": "no"}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "c1", Target: "yes", SourceHandle: "true"},
		{ID: "e2", Source: "c1", Target: "no", SourceHandle: "false"},
	}, "c1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
	assert.Contains(t, exec.NodeExecutions(), "yes")
	assert.NotContains(t, exec.NodeExecutions(), "no")
}

func TestRetryableErrorRetriesThenSucceeds(t *testing.T) {
	reg := testRegistry(t)
	// Three server errors, success on the fourth call: a budget of
	// three retries after the first attempt absorbs all of them.
	flaky := &flakyExecutor{succeedAfter: 4}
	require.NoError(t, reg.Register(flaky))

	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "flaky", Config: map[string]interface{}{}},
	}, nil, "n1")

	h := newHarness(t, reg, d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
	assert.Equal(t, 4, flaky.attempts)
	assert.Equal(t, 3, exec.NodeExecutions()["n1"].RetryCount)
}

func TestRetryBudgetExhaustedAppliesFallback(t *testing.T) {
	reg := testRegistry(t)
	flaky := &flakyExecutor{succeedAfter: 10}
	require.NoError(t, reg.Register(flaky))

	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "flaky", Config: map[string]interface{}{},
			OnError: &wfmodel.OnErrorPolicy{Strategy: wfmodel.OnErrorFallback, FallbackValue: map[string]interface{}{"ok": false}}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{"after": "${outputs.n1.ok}"}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, reg, d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
	// First attempt plus the full three-retry budget before fallback.
	assert.Equal(t, 4, flaky.attempts)
	assert.Equal(t, false, exec.NodeExecutions()["n1"].OutputData["ok"])
}

func TestFailStrategyFailsExecution(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(&flakyExecutor{succeedAfter: 10}))

	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "flaky", Config: map[string]interface{}{}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, reg, d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusFailed, exec.Status())
	require.NotNil(t, exec.Error())
	assert.Equal(t, "server", exec.Error().Code)
	assert.Equal(t, "n1", exec.FailedNode())
	assert.NotContains(t, exec.NodeExecutions(), "n2")
}

func TestGotoStrategyJumpsToNamedNode(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(&flakyExecutor{succeedAfter: 10}))

	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "flaky", Config: map[string]interface{}{},
			OnError: &wfmodel.OnErrorPolicy{Strategy: wfmodel.OnErrorGoto, GotoNode: "recover"}},
		"normal":  {Name: "normal", Type: "echo", Config: map[string]interface{}{}},
		"recover": {Name: "recover", Type: "echo", Config: map[string]interface{}{"recovered": true}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "normal"},
	}, "n1")

	h := newHarness(t, reg, d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
	assert.Contains(t, exec.NodeExecutions(), "recover")
	assert.NotContains(t, exec.NodeExecutions(), "normal")
}

func TestUserInputSuspendAndResume(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "await", Config: map[string]interface{}{}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{"echoed": "${outputs.n1.value}"}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusWaitingForInput, exec.Status())
	assert.Equal(t, "n1", exec.PauseNodeID())

	require.NoError(t, h.engine.SubmitInput(context.Background(), exec.ID(), 1, "hello"))

	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
	assert.Equal(t, "hello", exec.NodeExecutions()["n2"].OutputData["echoed"])
}

func TestSignalDeduplication(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "await", Config: map[string]interface{}{}},
		"n2": {Name: "n2", Type: "await", Config: map[string]interface{}{}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	require.NoError(t, h.engine.SubmitInput(context.Background(), exec.ID(), 5, "first"))
	assert.Equal(t, execmodel.ExecutionStatusWaitingForInput, exec.Status())

	// Redelivery of the same signal id must not be applied twice.
	err = h.engine.SubmitInput(context.Background(), exec.ID(), 5, "duplicate")
	assert.ErrorIs(t, err, ErrSignalStale)
	assert.Equal(t, execmodel.ExecutionStatusWaitingForInput, exec.Status())

	require.NoError(t, h.engine.SubmitInput(context.Background(), exec.ID(), 6, "second"))
	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
}

func TestCancelDuringDelay(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(&sleepExecutor{d: time.Minute}))

	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "sleep", Config: map[string]interface{}{}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, reg, d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusRunning, exec.Status())
	assert.Equal(t, "delay", exec.PauseReason())

	require.NoError(t, h.engine.Cancel(context.Background(), exec.ID()))
	assert.Equal(t, execmodel.ExecutionStatusCancelled, exec.Status())
	require.NotNil(t, exec.CompletedAt())

	// No node may start once cancellation is recorded.
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, exec.NodeExecutions(), "n2")
	assert.Equal(t, 0, h.events.countAfter(EventNodeStarted, EventExecutionCancelled))
}

func TestDelayResumesAndCompletes(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Register(&sleepExecutor{d: 20 * time.Millisecond}))

	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "sleep", Config: map[string]interface{}{}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{"done": true}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, reg, d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return exec.Status() == execmodel.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, exec.NodeExecutions(), "n2")
}

func TestGlobalVariablesSharedAcrossExecutions(t *testing.T) {
	setDef := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "vars", Config: map[string]interface{}{
			"action": "set", "scope": "global", "key": "shared", "value": "from-exec-1",
		}},
	}, nil, "n1")

	reg := testRegistry(t)
	h := newHarness(t, reg, setDef)

	_, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	// Second workflow (same engine, same user) reads the global.
	readDef := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "vars", Config: map[string]interface{}{
			"action": "get", "scope": "global", "key": "shared",
		}},
	}, nil, "n1")
	require.NoError(t, h.versions.Create(context.Background(), &version.Snapshot{
		ID: "wf2:v1", WorkflowID: "wf2", Number: 1, Definition: readDef, CreatedBy: "u1", CreatedAt: time.Now(),
	}))

	exec2, err := h.engine.Start(context.Background(), "wf2", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-exec-1", exec2.NodeExecutions()["n1"].OutputData["value"])
}

func TestWorkflowVariablesInvisibleAcrossExecutions(t *testing.T) {
	setDef := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "vars", Config: map[string]interface{}{
			"action": "set", "scope": "workflow", "key": "private", "value": "mine",
		}},
	}, nil, "n1")

	h := newHarness(t, testRegistry(t), setDef)
	_, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	readDef := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "vars", Config: map[string]interface{}{
			"action": "get", "scope": "workflow", "key": "private",
		}},
	}, nil, "n1")
	require.NoError(t, h.versions.Create(context.Background(), &version.Snapshot{
		ID: "wf1:v2", WorkflowID: "wf1", Number: 2, Definition: readDef, CreatedBy: "u1", CreatedAt: time.Now(),
	}))

	exec2, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)
	assert.Equal(t, false, exec2.NodeExecutions()["n1"].OutputData["found"])
}

func TestLoopAggregatesBodyOutputsInOrder(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"l1":   {Name: "l1", Type: "loop", Config: map[string]interface{}{"items": []interface{}{1.0, 2.0, 3.0}}},
		"body": {Name: "body", Type: "double", Config: map[string]interface{}{"value": "${variables.item}"}},
		"after": {Name: "after", Type: "echo", Config: map[string]interface{}{}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "l1", Target: "body", SourceHandle: "loop"},
		{ID: "e2", Source: "l1", Target: "after", SourceHandle: "done"},
	}, "l1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	assert.Equal(t, execmodel.ExecutionStatusCompleted, exec.Status())
	results, ok := exec.NodeExecutions()["l1"].OutputData["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 3)
	for i, want := range []float64{2, 4, 6} {
		m, ok := results[i].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, want, m["value"])
	}
	assert.Contains(t, exec.NodeExecutions(), "after")
}

func TestDescribeReportsSuspension(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "await", Config: map[string]interface{}{}},
	}, nil, "n1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	desc, err := h.engine.Describe(context.Background(), exec.ID())
	require.NoError(t, err)
	assert.Equal(t, execmodel.ExecutionStatusWaitingForInput, desc.Status)
	assert.Equal(t, "user-input", desc.PauseReason)
	assert.Equal(t, "n1", desc.PauseNodeID)
}

func TestJournalCoversOnlyDefinitionNodes(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "echo", Config: map[string]interface{}{}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, testRegistry(t), d)
	exec, err := h.engine.Start(context.Background(), "wf1", "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)

	entries, err := h.journal.List(context.Background(), exec.ID().String(), 0, "", "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var lastSeq int64
	for _, entry := range entries {
		if entry.NodeID != "" {
			assert.Contains(t, d.Nodes, entry.NodeID)
		}
		assert.Greater(t, entry.Sequence, lastSeq)
		lastSeq = entry.Sequence
	}
}

func TestRecoverResumesInterruptedExecution(t *testing.T) {
	d := def(map[string]wfmodel.Node{
		"n1": {Name: "n1", Type: "echo", Config: map[string]interface{}{"step": 1}},
		"n2": {Name: "n2", Type: "echo", Config: map[string]interface{}{"step": 2}},
	}, []wfmodel.Edge{
		{ID: "e1", Source: "n1", Target: "n2"},
	}, "n1")

	h := newHarness(t, testRegistry(t), d)

	// Simulate a crash: an execution persisted as running with n1 done
	// and n2 never dispatched.
	exec, err := execmodel.NewExecution("wf1", 1, "u1", execmodel.TriggerTypeManual, nil)
	require.NoError(t, err)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.StartNodeExecution("n1", "echo", nil))
	require.NoError(t, exec.CompleteNodeExecution("n1", map[string]interface{}{"step": 1}))
	require.NoError(t, h.repo.Save(context.Background(), exec))

	require.NoError(t, h.engine.Recover(context.Background()))

	require.Eventually(t, func() bool {
		return exec.Status() == execmodel.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, exec.NodeExecutions(), "n2")
}
