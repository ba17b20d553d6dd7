package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/executor"
	"github.com/conveyorhq/conveyor/metadata"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"shouldRunExecutionToCompletion":      testRunExecutionToCompletion,
		"shouldSuspendApprovalStep":           testSuspendApprovalStep,
		"shouldFailStepWithoutExecutor":       testFailStepWithoutExecutor,
		"shouldDropDispatchAfterCancellation": testDropDispatchAfterCancellation,
		"shouldResumeDelayThroughSweeper":     testResumeDelayThroughSweeper,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t)
		})
	}
}

type noopEmitter struct{}

func (noopEmitter) Emit(model.ExecutionEvent) {}

// recordingAgent runs agent nodes in-process and remembers the idempotency
// keys it saw.
type recordingAgent struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingAgent) Invoke(ctx context.Context, agent string, idempotencyKey string, params map[string]any) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, idempotencyKey)
	return map[string]any{"ran_" + agent: true}, nil
}

type poolHarness struct {
	store *inmem.Store
	meta  metadata.MetadataService
	eng   *engine.Engine
	agent *recordingAgent
	pool  *Pool
}

func newPoolHarness(t *testing.T) *poolHarness {
	t.Helper()
	store := inmem.NewStore(1, 3600)
	t.Cleanup(func() { store.Close() })
	meta := metadata.NewMetadataService(store)
	eng := engine.NewEngine(meta, store, noopEmitter{})
	agent := &recordingAgent{}
	registry := executor.NewRegistry()
	registry.Register(model.NODE_TYPE_AGENT, executor.NewAgentExecutor(agent))
	registry.Register(model.NODE_TYPE_APPROVAL, executor.NewApprovalExecutor())
	registry.Register(model.NODE_TYPE_DELAY, executor.NewDelayExecutor())
	var wg sync.WaitGroup
	return &poolHarness{
		store: store,
		meta:  meta,
		eng:   eng,
		agent: agent,
		pool:  NewPool(eng, store, store, meta, registry, 10, time.Second, &wg),
	}
}

func (h *poolHarness) publish(t *testing.T, wf model.Workflow) {
	t.Helper()
	summary, err := h.meta.SaveWorkflow(context.Background(), wf)
	require.NoError(t, err)
	_, err = h.meta.PublishWorkflow(context.Background(), wf.Name, summary.Version)
	require.NoError(t, err)
}

func (h *poolHarness) start(t *testing.T, name string) string {
	t.Helper()
	executionId, err := h.eng.StartExecution(context.Background(), model.ExecutionRequest{WorkflowName: name})
	require.NoError(t, err)
	return executionId
}

// drive runs poll rounds until the ready queue stays empty.
func (h *poolHarness) drive(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		dispatches, err := h.store.PollDispatches(context.Background(), 0, 1)
		require.NoError(t, err)
		if len(dispatches) == 0 {
			return
		}
		h.pool.handle(0)
	}
	t.Fatal("ready queue never drained")
}

func agentFlow(name string, nodes ...string) model.Workflow {
	wf := model.Workflow{Name: name}
	for _, id := range nodes {
		wf.Nodes = append(wf.Nodes, model.Node{Id: id, Type: model.NODE_TYPE_AGENT, Name: id, Parameters: map[string]any{"agent": id}})
	}
	for i := 1; i < len(nodes); i++ {
		wf.Edges = append(wf.Edges, model.Edge{From: nodes[i-1], To: nodes[i]})
	}
	return wf
}

func testRunExecutionToCompletion(t *testing.T) {
	h := newPoolHarness(t)
	h.publish(t, agentFlow("pipeline", "extract", "summarize"))
	executionId := h.start(t, "pipeline")

	h.drive(t)

	execution, err := h.store.GetExecution(context.Background(), executionId)
	require.NoError(t, err)
	assert.Equal(t, model.EXECUTION_COMPLETED, execution.Status)

	variables, err := h.store.GetVariables(context.Background(), executionId)
	require.NoError(t, err)
	assert.Equal(t, true, variables["ran_extract"])
	assert.Equal(t, true, variables["ran_summarize"])

	require.Len(t, h.agent.keys, 2)
	assert.Equal(t, executionId+":extract:1", h.agent.keys[0])
	assert.Equal(t, executionId+":summarize:1", h.agent.keys[1])
}

func testSuspendApprovalStep(t *testing.T) {
	h := newPoolHarness(t)
	h.publish(t, model.Workflow{
		Name: "gated",
		Nodes: []model.Node{
			{Id: "gate", Type: model.NODE_TYPE_APPROVAL, Name: "gate"},
			{Id: "after", Type: model.NODE_TYPE_AGENT, Name: "after", Parameters: map[string]any{"agent": "after"}},
		},
		Edges: []model.Edge{{From: "gate", To: "after"}},
	})
	executionId := h.start(t, "gated")

	h.drive(t)

	step, err := h.store.GetStep(context.Background(), executionId, "gate")
	require.NoError(t, err)
	assert.Equal(t, model.STEP_RUNNING, step.Status)
	assert.True(t, step.Suspended)

	require.NoError(t, h.eng.ApproveStep(context.Background(), executionId, "gate", model.ApprovalDecision{Approved: true}))
	h.drive(t)

	execution, err := h.store.GetExecution(context.Background(), executionId)
	require.NoError(t, err)
	assert.Equal(t, model.EXECUTION_COMPLETED, execution.Status)
}

func testFailStepWithoutExecutor(t *testing.T) {
	h := newPoolHarness(t)
	h.publish(t, model.Workflow{
		Name: "unwired",
		Nodes: []model.Node{
			{Id: "sync", Type: model.NODE_TYPE_INTEGRATION, Name: "sync", Connector: "crm"},
		},
	})
	executionId := h.start(t, "unwired")

	h.drive(t)

	step, err := h.store.GetStep(context.Background(), executionId, "sync")
	require.NoError(t, err)
	assert.Equal(t, model.STEP_FAILED, step.Status)
	require.NotNil(t, step.Error)
	assert.Contains(t, step.Error.Message, "no executor registered")

	execution, err := h.store.GetExecution(context.Background(), executionId)
	require.NoError(t, err)
	assert.Equal(t, model.EXECUTION_FAILED, execution.Status)
}

func testDropDispatchAfterCancellation(t *testing.T) {
	h := newPoolHarness(t)
	h.publish(t, agentFlow("doomed", "only"))
	executionId := h.start(t, "doomed")
	require.NoError(t, h.eng.Cancel(context.Background(), executionId))

	h.drive(t)

	// The dispatch is consumed without running the executor.
	assert.Empty(t, h.agent.keys)
	step, err := h.store.GetStep(context.Background(), executionId, "only")
	require.NoError(t, err)
	assert.Equal(t, model.STEP_RUNNING, step.Status)
}

func testResumeDelayThroughSweeper(t *testing.T) {
	h := newPoolHarness(t)
	h.publish(t, model.Workflow{
		Name: "paced",
		Nodes: []model.Node{
			{Id: "wait", Type: model.NODE_TYPE_DELAY, Name: "wait", DelaySeconds: 1},
			{Id: "after", Type: model.NODE_TYPE_AGENT, Name: "after", Parameters: map[string]any{"agent": "after"}},
		},
		Edges: []model.Edge{{From: "wait", To: "after"}},
	})
	executionId := h.start(t, "paced")

	h.drive(t)
	step, err := h.store.GetStep(context.Background(), executionId, "wait")
	require.NoError(t, err)
	assert.True(t, step.Suspended)

	// The wheel fires the one second deferral, then the sweeper applies it.
	require.Eventually(t, func() bool {
		sweepResumes(h.eng, h.store, 0)
		step, err := h.store.GetStep(context.Background(), executionId, "wait")
		return err == nil && step.Status == model.STEP_SUCCEEDED
	}, 5*time.Second, 100*time.Millisecond)

	h.drive(t)
	execution, err := h.store.GetExecution(context.Background(), executionId)
	require.NoError(t, err)
	assert.Equal(t, model.EXECUTION_COMPLETED, execution.Status)
}
