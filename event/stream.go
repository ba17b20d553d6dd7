package event

import (
	"sync"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"go.uber.org/zap"
)

const STREAM_BUFFER_SIZE int = 64

// StreamBroker fans events out to live subscribers, one channel per watcher
// of an execution. Delivery is best effort, a subscriber that stops reading
// loses events instead of stalling the emitter.
type StreamBroker struct {
	mu     sync.Mutex
	nextId int
	subs   map[string]map[int]chan model.ExecutionEvent
}

func NewStreamBroker() *StreamBroker {
	return &StreamBroker{
		subs: make(map[string]map[int]chan model.ExecutionEvent),
	}
}

var _ Sink = new(StreamBroker)

func (b *StreamBroker) Name() string {
	return "stream-broker"
}

func (b *StreamBroker) Consume(event model.ExecutionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs[event.ExecutionId] {
		select {
		case ch <- event:
		default:
			logger.Debug("stream subscriber lagging, dropping event",
				zap.String("executionId", event.ExecutionId), zap.Int("subscriber", id))
		}
	}
	return nil
}

// SubscriberCount reports the live watchers of an execution.
func (b *StreamBroker) SubscriberCount(executionId string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[executionId])
}

// Subscribe registers a watcher for one execution. The returned cancel
// closes the channel and must be called when the watcher goes away.
func (b *StreamBroker) Subscribe(executionId string) (<-chan model.ExecutionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextId++
	id := b.nextId
	ch := make(chan model.ExecutionEvent, STREAM_BUFFER_SIZE)
	if b.subs[executionId] == nil {
		b.subs[executionId] = make(map[int]chan model.ExecutionEvent)
	}
	b.subs[executionId][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[executionId]; ok {
			if ch, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, executionId)
			}
		}
	}
	return ch, cancel
}
