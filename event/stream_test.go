package event

import (
	"testing"

	"github.com/conveyorhq/conveyor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamBrokerDeliversToExecutionSubscribers(t *testing.T) {
	broker := NewStreamBroker()
	first, cancelFirst := broker.Subscribe("ex-1")
	defer cancelFirst()
	second, cancelSecond := broker.Subscribe("ex-1")
	defer cancelSecond()
	other, cancelOther := broker.Subscribe("ex-2")
	defer cancelOther()

	require.NoError(t, broker.Consume(New("ex-1", "fetch", model.EVENT_STEP_DISPATCHED, nil)))

	assert.Equal(t, model.EVENT_STEP_DISPATCHED, (<-first).Type)
	assert.Equal(t, model.EVENT_STEP_DISPATCHED, (<-second).Type)
	assert.Empty(t, other)
}

func TestStreamBrokerDropsForLaggingSubscriber(t *testing.T) {
	broker := NewStreamBroker()
	ch, cancel := broker.Subscribe("ex-1")
	defer cancel()

	// Nobody reads, the buffer fills and further events are dropped
	// without blocking the emitter.
	for i := 0; i < STREAM_BUFFER_SIZE+10; i++ {
		require.NoError(t, broker.Consume(New("ex-1", "fetch", model.EVENT_STEP_DISPATCHED, nil)))
	}
	assert.Len(t, ch, STREAM_BUFFER_SIZE)
}

func TestStreamBrokerCancelClosesChannel(t *testing.T) {
	broker := NewStreamBroker()
	ch, cancel := broker.Subscribe("ex-1")
	require.Equal(t, 1, broker.SubscriberCount("ex-1"))

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, broker.SubscriberCount("ex-1"))

	// Double cancel is a no-op.
	cancel()
	require.NoError(t, broker.Consume(New("ex-1", "fetch", model.EVENT_STEP_DISPATCHED, nil)))
}
