package inmem

import (
	"context"

	"github.com/conveyorhq/conveyor/model"
)

func (s *Store) AppendEvent(ctx context.Context, event model.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ExecutionId] = append(s.events[event.ExecutionId], event)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, executionId string) ([]model.ExecutionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[executionId]
	out := make([]model.ExecutionEvent, len(events))
	copy(out, events)
	return out, nil
}
