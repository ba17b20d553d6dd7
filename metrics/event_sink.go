package metrics

import (
	"github.com/conveyorhq/conveyor/event"
	"github.com/conveyorhq/conveyor/model"
)

// EventSink turns execution events into measure recordings. Events carry
// workflow, nodeType, status and latencyMs in their detail map.
type EventSink struct{}

func NewEventSink() *EventSink {
	return &EventSink{}
}

var _ event.Sink = new(EventSink)

func (ms *EventSink) Name() string {
	return "metrics"
}

func (ms *EventSink) Consume(ev model.ExecutionEvent) error {
	workflow := detailString(ev.Detail, "workflow")
	nodeType := detailString(ev.Detail, "nodeType")
	switch ev.Type {
	case model.EVENT_EXECUTION_STARTED:
		RecordExecutionStarted(workflow)
	case model.EVENT_EXECUTION_COMPLETED:
		RecordExecutionCompleted(workflow, string(model.EXECUTION_COMPLETED))
	case model.EVENT_EXECUTION_FAILED:
		RecordExecutionCompleted(workflow, string(model.EXECUTION_FAILED))
	case model.EVENT_EXECUTION_CANCELLED:
		RecordExecutionCompleted(workflow, string(model.EXECUTION_CANCELLED))
	case model.EVENT_STEP_DISPATCHED:
		RecordStepDispatched(workflow, nodeType)
	case model.EVENT_STEP_SUCCEEDED:
		RecordStepCompleted(workflow, nodeType, string(model.STEP_SUCCEEDED), detailFloat(ev.Detail, "latencyMs"))
	case model.EVENT_STEP_FAILED:
		RecordStepCompleted(workflow, nodeType, string(model.STEP_FAILED), detailFloat(ev.Detail, "latencyMs"))
	case model.EVENT_STEP_SKIPPED:
		RecordStepCompleted(workflow, nodeType, string(model.STEP_SKIPPED), 0)
	case model.EVENT_STEP_TIMED_OUT:
		RecordStepCompleted(workflow, nodeType, "TIMED_OUT", detailFloat(ev.Detail, "latencyMs"))
	case model.EVENT_STEP_RETRIED:
		RecordStepRetried(workflow, nodeType)
	}
	return nil
}

func detailString(detail map[string]any, key string) string {
	if detail == nil {
		return ""
	}
	if v, ok := detail[key].(string); ok {
		return v
	}
	return ""
}

func detailFloat(detail map[string]any, key string) float64 {
	if detail == nil {
		return 0
	}
	switch v := detail[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
