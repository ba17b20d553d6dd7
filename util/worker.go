package util

import (
	"sync"

	"github.com/conveyorhq/conveyor/logger"
	"go.uber.org/zap"
)

// Worker drains a buffered channel with a single goroutine. Producers hand
// items over through Sender and never block as long as the buffer has room.
type Worker[T any] struct {
	name     string
	stop     chan struct{}
	wg       *sync.WaitGroup
	handler  func(T) error
	itemChan chan T
}

func NewWorker[T any](name string, wg *sync.WaitGroup, handler func(T) error, capacity int) *Worker[T] {
	return &Worker[T]{
		name:     name,
		stop:     make(chan struct{}),
		wg:       wg,
		handler:  handler,
		itemChan: make(chan T, capacity),
	}
}

func (w *Worker[T]) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case item := <-w.itemChan:
				if err := w.handler(item); err != nil {
					logger.Error("worker handler failed", zap.String("worker", w.name), zap.Any("item", item), zap.Error(err))
				}
			case <-w.stop:
				logger.Info("stopping worker", zap.String("worker", w.name))
				return
			}
		}
	}()
}

func (w *Worker[T]) Sender() chan<- T {
	return w.itemChan
}

func (w *Worker[T]) Stop() {
	w.stop <- struct{}{}
}
