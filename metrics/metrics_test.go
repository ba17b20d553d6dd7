package metrics

import (
	"testing"

	"github.com/conveyorhq/conveyor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
)

func TestRegisterAndRecord(t *testing.T) {
	require.NoError(t, Register())
	defer view.Unregister(DefaultViews...)

	RecordExecutionStarted("order-flow")
	RecordExecutionStarted("order-flow")
	RecordStepDispatched("order-flow", string(model.NODE_TYPE_AGENT))
	RecordStepCompleted("order-flow", string(model.NODE_TYPE_AGENT), string(model.STEP_SUCCEEDED), 12.5)
	RecordStateConflict()

	rows, err := view.RetrieveData("conveyor/executions_started")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	count, ok := rows[0].Data.(*view.CountData)
	require.True(t, ok)
	assert.Equal(t, int64(2), count.Value)
}

func TestEventSinkMapsEvents(t *testing.T) {
	require.NoError(t, Register())
	defer view.Unregister(DefaultViews...)

	sink := NewEventSink()
	detail := map[string]any{"workflow": "order-flow", "nodeType": string(model.NODE_TYPE_AGENT)}

	for scenario, ev := range map[string]model.ExecutionEvent{
		"started":    {Type: model.EVENT_EXECUTION_STARTED, Detail: detail},
		"dispatched": {Type: model.EVENT_STEP_DISPATCHED, Detail: detail},
		"succeeded":  {Type: model.EVENT_STEP_SUCCEEDED, Detail: map[string]any{"workflow": "order-flow", "nodeType": string(model.NODE_TYPE_AGENT), "latencyMs": 40.0}},
		"retried":    {Type: model.EVENT_STEP_RETRIED, Detail: detail},
		"no detail":  {Type: model.EVENT_STEP_FAILED},
	} {
		require.NoError(t, sink.Consume(ev), scenario)
	}

	rows, err := view.RetrieveData("conveyor/steps_completed")
	require.NoError(t, err)
	var total int64
	for _, row := range rows {
		total += row.Data.(*view.CountData).Value
	}
	assert.Equal(t, int64(2), total)
}
