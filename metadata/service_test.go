package metadata

import (
	"context"
	"testing"

	"github.com/conveyorhq/conveyor/graph"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence/inmem"
	"github.com/stretchr/testify/require"
)

func TestMetadataService(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, service MetadataService,
	){
		"save assigns versions and drafts": testSaveAssignsVersions,
		"save rejects invalid graphs":      testSaveRejectsInvalid,
		"publish makes a version latest":   testPublishLatest,
		"plans compile once and cache":     testPlanCache,
	} {
		t.Run(scenario, func(t *testing.T) {
			store := inmem.NewStore(1, 60)
			defer store.Close()
			fn(t, NewMetadataService(store))
		})
	}
}

func sampleWorkflow() model.Workflow {
	return model.Workflow{
		Name: "order-flow",
		Nodes: []model.Node{
			{Id: "charge", Type: model.NODE_TYPE_TASK_MUTATION, Name: "charge"},
			{Id: "notify", Type: model.NODE_TYPE_TASK_MUTATION, Name: "notify"},
		},
		Edges: []model.Edge{{From: "charge", To: "notify"}},
	}
}

func testSaveAssignsVersions(t *testing.T, service MetadataService) {
	ctx := context.Background()
	first, err := service.SaveWorkflow(ctx, sampleWorkflow())
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)
	require.False(t, first.Published)

	second, err := service.SaveWorkflow(ctx, sampleWorkflow())
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)

	versions, err := service.ListWorkflowVersions(ctx, "order-flow")
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func testSaveRejectsInvalid(t *testing.T, service MetadataService) {
	ctx := context.Background()
	wf := sampleWorkflow()
	wf.Edges = append(wf.Edges, model.Edge{From: "notify", To: "charge"})

	_, err := service.SaveWorkflow(ctx, wf)
	require.Error(t, err)
	compErr := &graph.CompilationError{}
	require.ErrorAs(t, err, &compErr)
	require.Equal(t, graph.REASON_NO_ENTRY, compErr.Reason)
}

func testPublishLatest(t *testing.T, service MetadataService) {
	ctx := context.Background()
	_, err := service.SaveWorkflow(ctx, sampleWorkflow())
	require.NoError(t, err)
	_, err = service.SaveWorkflow(ctx, sampleWorkflow())
	require.NoError(t, err)

	_, err = service.GetWorkflow(ctx, "order-flow", 0)
	require.Error(t, err)

	published, err := service.PublishWorkflow(ctx, "order-flow", 1)
	require.NoError(t, err)
	require.True(t, published.Published)

	latest, err := service.GetWorkflow(ctx, "order-flow", 0)
	require.NoError(t, err)
	require.Equal(t, 1, latest.Version)

	_, err = service.PublishWorkflow(ctx, "order-flow", 2)
	require.NoError(t, err)
	latest, err = service.GetWorkflow(ctx, "order-flow", 0)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
}

func testPlanCache(t *testing.T, service MetadataService) {
	ctx := context.Background()
	_, err := service.SaveWorkflow(ctx, sampleWorkflow())
	require.NoError(t, err)

	plan, err := service.GetPlan(ctx, "order-flow", 1)
	require.NoError(t, err)
	require.Equal(t, 2, plan.NodeCount())

	again, err := service.GetPlan(ctx, "order-flow", 1)
	require.NoError(t, err)
	require.Same(t, plan, again)

	_, err = service.GetPlan(ctx, "order-flow", 9)
	require.Error(t, err)
}
