package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	lastAgent string
	lastKey   string
	output    map[string]any
	err       error
}

func (f *fakeInvoker) Invoke(ctx context.Context, agent string, idempotencyKey string, params map[string]any) (map[string]any, error) {
	f.lastAgent = agent
	f.lastKey = idempotencyKey
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

type fakeTasks struct {
	lastOperation string
}

func (f *fakeTasks) Mutate(ctx context.Context, operation string, idempotencyKey string, params map[string]any) (map[string]any, error) {
	f.lastOperation = operation
	return map[string]any{"taskId": "t-1"}, nil
}

type fakeConnector struct {
	name    string
	lastKey string
}

func (f *fakeConnector) Name() string {
	return f.name
}

func (f *fakeConnector) Invoke(ctx context.Context, idempotencyKey string, params map[string]any) (map[string]any, error) {
	f.lastKey = idempotencyKey
	return map[string]any{"status": "sent"}, nil
}

func TestRegistry(t *testing.T) {
	registry := NewDefaultRegistry(&fakeInvoker{}, &fakeTasks{}, NewStaticConnectorRegistry())
	for _, nodeType := range []model.NodeType{
		model.NODE_TYPE_AGENT, model.NODE_TYPE_TASK_MUTATION, model.NODE_TYPE_CONDITION,
		model.NODE_TYPE_APPROVAL, model.NODE_TYPE_INTEGRATION, model.NODE_TYPE_DELAY, model.NODE_TYPE_MERGE,
	} {
		ex, err := registry.Get(nodeType)
		require.NoError(t, err, string(nodeType))
		require.NotNil(t, ex)
	}
	_, err := registry.Get(model.NodeType("UNKNOWN"))
	require.Error(t, err)
}

func TestConditionExecutor(t *testing.T) {
	ex := NewConditionExecutor()
	for scenario, fn := range map[string]func(t *testing.T){
		"boolean routes on true/false": func(t *testing.T) {
			res, err := ex.Execute(context.Background(), Request{
				Node:     model.Node{Id: "check", Type: model.NODE_TYPE_CONDITION, Expression: "$.amount > 100"},
				Snapshot: map[string]any{"amount": 250},
			})
			require.NoError(t, err)
			assert.Equal(t, RESULT_COMPLETED, res.Status)
			assert.Equal(t, []string{"true"}, res.ActiveEdges)
			assert.Equal(t, "true", res.Output["route"])
		},
		"string routes on its value": func(t *testing.T) {
			res, err := ex.Execute(context.Background(), Request{
				Node:     model.Node{Id: "route", Type: model.NODE_TYPE_CONDITION, Expression: "$.tier"},
				Snapshot: map[string]any{"tier": "premium"},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"premium"}, res.ActiveEdges)
		},
		"number routes on its integer form": func(t *testing.T) {
			res, err := ex.Execute(context.Background(), Request{
				Node:     model.Node{Id: "route", Type: model.NODE_TYPE_CONDITION, Expression: "$.retries + 1"},
				Snapshot: map[string]any{"retries": 2},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"3"}, res.ActiveEdges)
		},
		"broken expression is not retryable": func(t *testing.T) {
			_, err := ex.Execute(context.Background(), Request{
				Node:     model.Node{Id: "check", Type: model.NODE_TYPE_CONDITION, Expression: "$.amount >>> ("},
				Snapshot: map[string]any{"amount": 1},
			})
			require.Error(t, err)
			ee, ok := AsExecutorError(err)
			require.True(t, ok)
			assert.Equal(t, ERROR_CODE_EXPRESSION, ee.Code)
			assert.False(t, ee.Retryable)
			assert.False(t, IsRetryable(err))
		},
		"unsupported result type fails": func(t *testing.T) {
			_, err := ex.Execute(context.Background(), Request{
				Node:     model.Node{Id: "check", Type: model.NODE_TYPE_CONDITION, Expression: "$.obj"},
				Snapshot: map[string]any{"obj": map[string]any{"a": 1}},
			})
			require.Error(t, err)
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestAgentExecutor(t *testing.T) {
	invoker := &fakeInvoker{output: map[string]any{"summary": "done"}}
	ex := NewAgentExecutor(invoker)
	res, err := ex.Execute(context.Background(), Request{
		ExecutionId:    "ex-1",
		Node:           model.Node{Id: "summarize", Type: model.NODE_TYPE_AGENT, Name: "summarizer"},
		Attempt:        1,
		Params:         map[string]any{"text": "hello"},
		IdempotencyKey: "ex-1:summarize:1",
	})
	require.NoError(t, err)
	assert.Equal(t, RESULT_COMPLETED, res.Status)
	assert.Equal(t, "done", res.Output["summary"])
	assert.Equal(t, "summarizer", invoker.lastAgent)
	assert.Equal(t, "ex-1:summarize:1", invoker.lastKey)

	invoker.err = errors.New("connection refused")
	_, err = ex.Execute(context.Background(), Request{Node: model.Node{Id: "summarize"}})
	require.Error(t, err)
	ee, ok := AsExecutorError(err)
	require.True(t, ok)
	assert.Equal(t, ERROR_CODE_INVOCATION, ee.Code)
	assert.True(t, ee.Retryable)
}

func TestTaskMutationExecutor(t *testing.T) {
	tasks := &fakeTasks{}
	ex := NewTaskMutationExecutor(tasks)
	res, err := ex.Execute(context.Background(), Request{
		Node:   model.Node{Id: "create", Type: model.NODE_TYPE_TASK_MUTATION},
		Params: map[string]any{"operation": "createTask", "title": "review"},
	})
	require.NoError(t, err)
	assert.Equal(t, "createTask", tasks.lastOperation)
	assert.Equal(t, "t-1", res.Output["taskId"])

	_, err = ex.Execute(context.Background(), Request{Node: model.Node{Id: "create"}})
	require.Error(t, err)
	ee, _ := AsExecutorError(err)
	assert.False(t, ee.Retryable)
}

func TestApprovalExecutorSuspends(t *testing.T) {
	ex := NewApprovalExecutor()
	res, err := ex.Execute(context.Background(), Request{Node: model.Node{Id: "sign-off", Type: model.NODE_TYPE_APPROVAL}})
	require.NoError(t, err)
	assert.Equal(t, RESULT_SUSPENDED, res.Status)
	assert.Nil(t, res.ResumeAt)
}

func TestDelayExecutorDefers(t *testing.T) {
	ex := NewDelayExecutor()
	before := time.Now()
	res, err := ex.Execute(context.Background(), Request{Node: model.Node{Id: "cool-off", Type: model.NODE_TYPE_DELAY, DelaySeconds: 30}})
	require.NoError(t, err)
	assert.Equal(t, RESULT_DEFERRED, res.Status)
	require.NotNil(t, res.ResumeAt)
	assert.False(t, res.ResumeAt.Before(before.Add(29*time.Second)))
	assert.True(t, res.ResumeAt.Before(before.Add(31*time.Second)))
}

func TestIntegrationExecutor(t *testing.T) {
	connector := &fakeConnector{name: "slack"}
	ex := NewIntegrationExecutor(NewStaticConnectorRegistry(connector))

	res, err := ex.Execute(context.Background(), Request{
		Node:           model.Node{Id: "notify", Type: model.NODE_TYPE_INTEGRATION, Connector: "slack"},
		IdempotencyKey: "ex-1:notify:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Output["status"])
	assert.Equal(t, "ex-1:notify:1", connector.lastKey)

	_, err = ex.Execute(context.Background(), Request{
		Node: model.Node{Id: "notify", Type: model.NODE_TYPE_INTEGRATION, Connector: "pagerduty"},
	})
	require.Error(t, err)
	ee, ok := AsExecutorError(err)
	require.True(t, ok)
	assert.Equal(t, ERROR_CODE_CONNECTOR, ee.Code)
	assert.False(t, ee.Retryable)
}

func TestMergeExecutorRepublishesSnapshot(t *testing.T) {
	ex := NewMergeExecutor()
	snapshot := map[string]any{"a": 1.0, "b": "two"}
	res, err := ex.Execute(context.Background(), Request{Node: model.Node{Id: "join", Type: model.NODE_TYPE_MERGE}, Snapshot: snapshot})
	require.NoError(t, err)
	assert.Equal(t, snapshot, res.Output)
}

func TestHTTPAgentInvoker(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IDEMPOTENCY_HEADER)
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"answer": "42"})
	}))
	defer server.Close()

	invoker := NewHTTPAgentInvoker(server.URL)
	output, err := invoker.Invoke(context.Background(), "oracle", "ex-1:ask:1", map[string]any{"question": "meaning"})
	require.NoError(t, err)
	assert.Equal(t, "42", output["answer"])
	assert.Equal(t, "ex-1:ask:1", gotKey)
	assert.Equal(t, "oracle", gotBody["agent"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	_, err = NewHTTPAgentInvoker(failing.URL).Invoke(context.Background(), "oracle", "k", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer rejecting.Close()

	_, err = NewHTTPAgentInvoker(rejecting.URL).Invoke(context.Background(), "oracle", "k", nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestHTTPConnectorRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		json.NewDecoder(r.Body).Decode(&params)
		fmt.Fprintf(w, `{"echo":%q}`, params["message"])
	}))
	defer server.Close()

	connector := NewHTTPConnector("webhook", server.URL)
	output, err := connector.Invoke(context.Background(), "k-1", map[string]any{"message": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", output["echo"])
}
