package metrics

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	MExecutionsStarted   = stats.Int64("conveyor/executions_started", "Workflow executions started", stats.UnitDimensionless)
	MExecutionsCompleted = stats.Int64("conveyor/executions_completed", "Workflow executions finished terminally", stats.UnitDimensionless)
	MStepsDispatched     = stats.Int64("conveyor/steps_dispatched", "Step dispatches handed to executors", stats.UnitDimensionless)
	MStepsCompleted      = stats.Int64("conveyor/steps_completed", "Step completions applied", stats.UnitDimensionless)
	MStepsRetried        = stats.Int64("conveyor/steps_retried", "Step retries scheduled", stats.UnitDimensionless)
	MStepLatencyMs       = stats.Float64("conveyor/step_latency", "Latency from dispatch to completion", stats.UnitMilliseconds)
	MStateConflicts      = stats.Int64("conveyor/state_conflicts", "Optimistic state transitions lost to a concurrent writer", stats.UnitDimensionless)
)

var (
	KeyWorkflow, _ = tag.NewKey("workflow")
	KeyNodeType, _ = tag.NewKey("node_type")
	KeyStatus, _   = tag.NewKey("status")
)

var DefaultViews = []*view.View{
	{
		Name:        "conveyor/executions_started",
		Measure:     MExecutionsStarted,
		Description: "Workflow executions started",
		TagKeys:     []tag.Key{KeyWorkflow},
		Aggregation: view.Count(),
	},
	{
		Name:        "conveyor/executions_completed",
		Measure:     MExecutionsCompleted,
		Description: "Workflow executions finished terminally",
		TagKeys:     []tag.Key{KeyWorkflow, KeyStatus},
		Aggregation: view.Count(),
	},
	{
		Name:        "conveyor/steps_dispatched",
		Measure:     MStepsDispatched,
		Description: "Step dispatches handed to executors",
		TagKeys:     []tag.Key{KeyWorkflow, KeyNodeType},
		Aggregation: view.Count(),
	},
	{
		Name:        "conveyor/steps_completed",
		Measure:     MStepsCompleted,
		Description: "Step completions applied",
		TagKeys:     []tag.Key{KeyWorkflow, KeyNodeType, KeyStatus},
		Aggregation: view.Count(),
	},
	{
		Name:        "conveyor/steps_retried",
		Measure:     MStepsRetried,
		Description: "Step retries scheduled",
		TagKeys:     []tag.Key{KeyWorkflow, KeyNodeType},
		Aggregation: view.Count(),
	},
	{
		Name:        "conveyor/step_latency",
		Measure:     MStepLatencyMs,
		Description: "Latency from dispatch to completion",
		TagKeys:     []tag.Key{KeyWorkflow, KeyNodeType},
		Aggregation: view.Distribution(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000),
	},
	{
		Name:        "conveyor/state_conflicts",
		Measure:     MStateConflicts,
		Description: "Optimistic state transitions lost to a concurrent writer",
		Aggregation: view.Count(),
	},
}

func Register() error {
	return view.Register(DefaultViews...)
}

func RecordExecutionStarted(workflow string) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyWorkflow, workflow)},
		MExecutionsStarted.M(1))
}

func RecordExecutionCompleted(workflow string, status string) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyWorkflow, workflow), tag.Upsert(KeyStatus, status)},
		MExecutionsCompleted.M(1))
}

func RecordStepDispatched(workflow string, nodeType string) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyWorkflow, workflow), tag.Upsert(KeyNodeType, nodeType)},
		MStepsDispatched.M(1))
}

func RecordStepCompleted(workflow string, nodeType string, status string, latencyMs float64) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{
			tag.Upsert(KeyWorkflow, workflow),
			tag.Upsert(KeyNodeType, nodeType),
			tag.Upsert(KeyStatus, status),
		},
		MStepsCompleted.M(1), MStepLatencyMs.M(latencyMs))
}

func RecordStepRetried(workflow string, nodeType string) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyWorkflow, workflow), tag.Upsert(KeyNodeType, nodeType)},
		MStepsRetried.M(1))
}

func RecordStateConflict() {
	stats.Record(context.Background(), MStateConflicts.M(1))
}
