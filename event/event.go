package event

import (
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives execution events after they are accepted by the emitter.
// Consume runs on the emitter goroutine, a slow sink delays delivery to
// the sinks after it but never the callers of Emit.
type Sink interface {
	Name() string
	Consume(event model.ExecutionEvent) error
}

type Emitter interface {
	Emit(event model.ExecutionEvent)
}

type CollectorEmitter struct {
	worker *util.Worker[model.ExecutionEvent]
	sinks  []Sink
}

func NewEmitter(capacity int, wg *sync.WaitGroup, sinks ...Sink) *CollectorEmitter {
	em := &CollectorEmitter{
		sinks: sinks,
	}
	em.worker = util.NewWorker[model.ExecutionEvent]("event-emitter", wg, em.fanout, capacity)
	return em
}

var _ Emitter = new(CollectorEmitter)

func (em *CollectorEmitter) Start() {
	em.worker.Start()
}

func (em *CollectorEmitter) Stop() {
	em.worker.Stop()
}

// Emit never blocks. When the buffer is full the event is dropped,
// the audit trail is advisory and must not stall the engine.
func (em *CollectorEmitter) Emit(event model.ExecutionEvent) {
	select {
	case em.worker.Sender() <- event:
	default:
		logger.Warn("event buffer full, dropping event",
			zap.String("executionId", event.ExecutionId), zap.String("type", string(event.Type)))
	}
}

func (em *CollectorEmitter) fanout(event model.ExecutionEvent) error {
	for _, sink := range em.sinks {
		if err := sink.Consume(event); err != nil {
			logger.Error("event sink failed", zap.String("sink", sink.Name()),
				zap.String("executionId", event.ExecutionId), zap.Error(err))
		}
	}
	return nil
}

// New stamps a fresh event with its id and timestamp.
func New(executionId string, nodeId string, eventType model.EventType, detail map[string]any) model.ExecutionEvent {
	return model.ExecutionEvent{
		Id:          uuid.NewString(),
		ExecutionId: executionId,
		NodeId:      nodeId,
		Type:        eventType,
		Detail:      detail,
		Timestamp:   time.Now(),
	}
}
