package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/event"
	"github.com/conveyorhq/conveyor/metadata"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence/inmem"
	"github.com/conveyorhq/conveyor/service"
	"github.com/stretchr/testify/require"
)

// syncEmitter delivers events inline so tests observe the audit trail and
// stream without a collector goroutine.
type syncEmitter struct {
	store  *inmem.Store
	broker *event.StreamBroker
}

func (e syncEmitter) Emit(ev model.ExecutionEvent) {
	_ = e.store.AppendEvent(context.Background(), ev)
	_ = e.broker.Consume(ev)
}

type restHarness struct {
	store  *inmem.Store
	eng    *engine.Engine
	broker *event.StreamBroker
	server *Server
}

func newRestHarness(t *testing.T) *restHarness {
	store := inmem.NewStore(1, 3600)
	t.Cleanup(func() { store.Close() })
	broker := event.NewStreamBroker()
	meta := metadata.NewMetadataService(store)
	eng := engine.NewEngine(meta, store, syncEmitter{store: store, broker: broker})
	svc := service.NewExecutionService(eng, meta, store, store)
	server, err := NewServer(0, meta, svc, broker)
	require.NoError(t, err)
	return &restHarness{store: store, eng: eng, broker: broker, server: server}
}

func (h *restHarness) do(t *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.server.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// runToCompletion plays the worker role, every polled dispatch succeeds.
func (h *restHarness) runToCompletion(t *testing.T, executionId string) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		dispatches, err := h.store.PollDispatches(ctx, 0, 10)
		require.NoError(t, err)
		if len(dispatches) == 0 {
			return
		}
		for _, d := range dispatches {
			err := h.eng.Advance(ctx, model.StepCompletion{
				ExecutionId: d.ExecutionId,
				NodeId:      d.NodeId,
				Attempt:     d.Attempt,
				Status:      model.STEP_SUCCEEDED,
				Output:      map[string]any{"done_" + d.NodeId: true},
			})
			require.NoError(t, err)
		}
		require.NoError(t, h.store.AckDispatches(ctx, 0, dispatches))
	}
	t.Fatal("ready queue never drained")
}

func pipelineWorkflow(name string) model.Workflow {
	return model.Workflow{
		Name: name,
		Nodes: []model.Node{
			{Id: "fetch", Type: model.NODE_TYPE_AGENT, Parameters: map[string]any{"agent": "fetch"}},
			{Id: "publish", Type: model.NODE_TYPE_AGENT, Parameters: map[string]any{"agent": "publish"}},
		},
		Edges: []model.Edge{{From: "fetch", To: "publish"}},
	}
}

func (h *restHarness) saveAndPublish(t *testing.T, wf model.Workflow) {
	rec := h.do(t, http.MethodPost, "/api/v1/workflows", wf)
	require.Equal(t, http.StatusCreated, rec.Code)
	summary := decodeBody[model.WorkflowSummary](t, rec)
	rec = h.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/workflows/%s/versions/%d/publish", wf.Name, summary.Version), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func (h *restHarness) startExecution(t *testing.T, workflowName string, input map[string]any) string {
	rec := h.do(t, http.MethodPost, "/api/v1/executions",
		model.ExecutionRequest{WorkflowName: workflowName, Input: input})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[map[string]string](t, rec)
	require.NotEmpty(t, resp["executionId"])
	return resp["executionId"]
}

func TestServer(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, h *restHarness){
		"shouldSaveAndFetchWorkflow":            testSaveAndFetchWorkflow,
		"shouldRejectCyclicWorkflow":            testRejectCyclicWorkflow,
		"shouldRunExecutionThroughApi":          testRunExecutionThroughApi,
		"shouldReturnNotFoundForMissingRecords": testNotFoundForMissingRecords,
		"shouldConflictOnCancelAfterCompletion": testConflictOnCancelAfterCompletion,
		"shouldArchiveFinishedExecution":        testArchiveFinishedExecution,
		"shouldStreamEventsUntilTerminal":       testStreamEventsUntilTerminal,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newRestHarness(t))
		})
	}
}

func testSaveAndFetchWorkflow(t *testing.T, h *restHarness) {
	rec := h.do(t, http.MethodPost, "/api/v1/workflows", pipelineWorkflow("content-pipeline"))
	require.Equal(t, http.StatusCreated, rec.Code)
	summary := decodeBody[model.WorkflowSummary](t, rec)
	require.Equal(t, 1, summary.Version)
	require.Equal(t, 2, summary.NodeCount)

	// Unpublished versions are only reachable by explicit version, the
	// latest lookup resolves to the newest published one.
	rec = h.do(t, http.MethodGet, "/api/v1/workflows/content-pipeline?version=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wf := decodeBody[model.Workflow](t, rec)
	require.Equal(t, "content-pipeline", wf.Name)
	require.Len(t, wf.Nodes, 2)

	rec = h.do(t, http.MethodGet, "/api/v1/workflows/content-pipeline", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]model.WorkflowSummary](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/api/v1/workflows/content-pipeline/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]model.WorkflowSummary](t, rec), 1)
}

func testRejectCyclicWorkflow(t *testing.T, h *restHarness) {
	wf := pipelineWorkflow("cyclic")
	wf.Edges = append(wf.Edges, model.Edge{From: "publish", To: "fetch"})
	rec := h.do(t, http.MethodPost, "/api/v1/workflows", wf)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[map[string]string](t, rec)
	require.Contains(t, resp["error"], "CYCLE")
}

func testRunExecutionThroughApi(t *testing.T, h *restHarness) {
	h.saveAndPublish(t, pipelineWorkflow("content-pipeline"))
	executionId := h.startExecution(t, "content-pipeline", map[string]any{"topic": "launch"})
	h.runToCompletion(t, executionId)

	rec := h.do(t, http.MethodGet, "/api/v1/executions/"+executionId, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[model.ExecutionDetail](t, rec)
	require.Equal(t, model.EXECUTION_COMPLETED, detail.Execution.Status)
	require.Len(t, detail.Steps, 2)
	require.Equal(t, 1.0, detail.Progress)
	require.Equal(t, "fetch", detail.Steps[0].NodeId)

	rec = h.do(t, http.MethodGet, "/api/v1/executions?workflow=content-pipeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]model.WorkflowExecution](t, rec), 1)

	rec = h.do(t, http.MethodGet, "/api/v1/executions/"+executionId+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]model.ExecutionEvent](t, rec)
	types := make([]model.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Contains(t, types, model.EVENT_EXECUTION_STARTED)
	require.Contains(t, types, model.EVENT_EXECUTION_COMPLETED)
}

func testNotFoundForMissingRecords(t *testing.T, h *restHarness) {
	rec := h.do(t, http.MethodGet, "/api/v1/executions/no-such-execution", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/workflows/no-such-workflow", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func testConflictOnCancelAfterCompletion(t *testing.T, h *restHarness) {
	h.saveAndPublish(t, pipelineWorkflow("content-pipeline"))
	executionId := h.startExecution(t, "content-pipeline", nil)
	h.runToCompletion(t, executionId)

	rec := h.do(t, http.MethodPost, "/api/v1/executions/"+executionId+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func testArchiveFinishedExecution(t *testing.T, h *restHarness) {
	h.saveAndPublish(t, pipelineWorkflow("content-pipeline"))
	executionId := h.startExecution(t, "content-pipeline", nil)

	rec := h.do(t, http.MethodPost, "/api/v1/executions/"+executionId+"/archive", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	h.runToCompletion(t, executionId)
	rec = h.do(t, http.MethodPost, "/api/v1/executions/"+executionId+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	execution, err := h.store.GetExecution(context.Background(), executionId)
	require.NoError(t, err)
	require.True(t, execution.Archived)
}

func testStreamEventsUntilTerminal(t *testing.T, h *restHarness) {
	h.saveAndPublish(t, pipelineWorkflow("content-pipeline"))
	executionId := h.startExecution(t, "content-pipeline", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+executionId+"/stream", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.server.Handler.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool {
		return h.broker.SubscriberCount(executionId) > 0
	}, time.Second, 5*time.Millisecond)
	h.runToCompletion(t, executionId)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never closed on terminal event")
	}
	body := rec.Body.String()
	require.Contains(t, body, "event: EXECUTION_COMPLETED")
	require.Contains(t, body, executionId)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
