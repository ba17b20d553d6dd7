package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set, skipping postgres integration tests")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, Config{DSN: dsn, Partitions: 1})
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresExecutionStorage(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionId := uuid.NewString()

	execution := &model.WorkflowExecution{
		Id:              executionId,
		WorkflowName:    "order-flow",
		WorkflowVersion: 1,
		Status:          model.EXECUTION_RUNNING,
		Trigger:         model.Trigger{Type: model.TRIGGER_MANUAL, At: time.Now()},
		StartedAt:       time.Now(),
	}
	ref, err := store.CreateExecution(ctx, execution, map[string]int{"join": 2}, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	_, err = store.CreateExecution(ctx, execution, nil, nil)
	require.Error(t, err)
	_, ok := err.(persistence.StateConflictError)
	require.True(t, ok)

	loaded, err := store.GetExecution(ctx, executionId)
	require.NoError(t, err)
	require.Equal(t, model.EXECUTION_RUNNING, loaded.Status)
	require.Equal(t, model.TRIGGER_MANUAL, loaded.Trigger.Type)
	require.Nil(t, loaded.Error)

	remaining, err := store.DecrementJoinCounter(ctx, executionId, "join")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
	remaining, err = store.DecrementJoinCounter(ctx, executionId, "join")
	require.NoError(t, err)
	require.Equal(t, 0, remaining)

	claimed, err := store.ClaimStepCompletion(ctx, executionId, "a", 1)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = store.ClaimStepCompletion(ctx, executionId, "a", 1)
	require.NoError(t, err)
	require.False(t, claimed)

	applied, err := store.UpdateExecutionStatus(ctx, executionId,
		[]model.ExecutionStatus{model.EXECUTION_RUNNING}, model.EXECUTION_FAILED,
		&model.ErrorDetail{Code: model.ERROR_CODE_EXECUTOR, Message: "boom"})
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = store.UpdateExecutionStatus(ctx, executionId,
		[]model.ExecutionStatus{model.EXECUTION_RUNNING}, model.EXECUTION_CANCELLED, nil)
	require.NoError(t, err)
	require.False(t, applied)

	loaded, err = store.GetExecution(ctx, executionId)
	require.NoError(t, err)
	require.NotNil(t, loaded.Error)
	require.Equal(t, model.ERROR_CODE_EXECUTOR, loaded.Error.Code)
	require.NotNil(t, loaded.EndedAt)

	variables, err := store.GetVariables(ctx, executionId)
	require.NoError(t, err)
	require.Equal(t, "v", variables["k"])
}

func TestPostgresQueueRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	executionId := uuid.NewString()

	dispatch := model.StepDispatch{
		ExecutionId:     executionId,
		WorkflowName:    "order-flow",
		WorkflowVersion: 1,
		NodeId:          "a",
		Attempt:         1,
	}
	err := store.Apply(ctx, &persistence.TransitionSet{
		ExecutionId: executionId,
		Steps: []*model.WorkflowStep{
			{ExecutionId: executionId, NodeId: "a", Status: model.STEP_RUNNING, Attempt: 1},
		},
		Dispatches: []model.StepDispatch{dispatch},
		Resumes: []persistence.ScheduledCompletion{
			{Completion: model.StepCompletion{ExecutionId: executionId, NodeId: "wait", Attempt: 1, Status: model.STEP_SUCCEEDED}, At: time.Now().Add(-time.Second)},
		},
		Timeouts: []persistence.ScheduledTimeout{
			{Timeout: model.StepTimeout{ExecutionId: executionId, NodeId: "a", Attempt: 1}, At: time.Now().Add(time.Hour)},
		},
	})
	require.NoError(t, err)

	polled, err := store.PollDispatches(ctx, 0, 10)
	require.NoError(t, err)
	found := false
	for _, d := range polled {
		if d.ExecutionId == executionId {
			found = true
		}
	}
	require.True(t, found)

	require.NoError(t, store.AckDispatches(ctx, 0, []model.StepDispatch{dispatch}))
	polled, err = store.PollDispatches(ctx, 0, 1000)
	require.NoError(t, err)
	for _, d := range polled {
		require.NotEqual(t, executionId, d.ExecutionId)
	}

	resumes, err := store.PollResumes(ctx, 0)
	require.NoError(t, err)
	foundResume := false
	for _, c := range resumes {
		if c.ExecutionId == executionId {
			require.Equal(t, "wait", c.NodeId)
			foundResume = true
		}
	}
	require.True(t, foundResume)
}

func TestPostgresMetadataStorage(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	name := fmt.Sprintf("order-flow-%s", uuid.NewString()[:8])

	wf := model.Workflow{Name: name, Version: 1, Nodes: []model.Node{{Id: "a", Type: model.NODE_TYPE_TASK_MUTATION}}, CreatedAt: time.Now()}
	require.NoError(t, store.SaveWorkflowDefinition(ctx, wf))
	wf.Version = 2
	wf.Published = true
	require.NoError(t, store.SaveWorkflowDefinition(ctx, wf))

	latest, err := store.GetLatestWorkflowDefinition(ctx, name)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	versions, err := store.ListWorkflowVersions(ctx, name)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	require.NoError(t, store.DeleteWorkflowDefinition(ctx, name, 1))
	_, err = store.GetWorkflowDefinition(ctx, name, 1)
	require.Error(t, err)
	_, ok := err.(persistence.NotFoundError)
	require.True(t, ok)
}
