package inmem

import (
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
)

// delayedLane parks items until their deadline, then moves them to the due
// list of their partition. Poll drains due items, firing is handled by the
// shared timing wheel so nothing scans the lane.
type delayedLane[T any] struct {
	mu    sync.Mutex
	wheel *timingwheel.TimingWheel
	due   [][]T
}

func newDelayedLane[T any](wheel *timingwheel.TimingWheel, partitions int) *delayedLane[T] {
	return &delayedLane[T]{
		wheel: wheel,
		due:   make([][]T, partitions),
	}
}

func (l *delayedLane[T]) schedule(partition int, item T, at time.Time) {
	delay := time.Until(at)
	if delay <= 0 {
		l.mu.Lock()
		l.due[partition] = append(l.due[partition], item)
		l.mu.Unlock()
		return
	}
	l.wheel.AfterFunc(delay, func() {
		l.mu.Lock()
		l.due[partition] = append(l.due[partition], item)
		l.mu.Unlock()
	})
}

func (l *delayedLane[T]) poll(partition int) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	due := l.due[partition]
	l.due[partition] = nil
	return due
}
