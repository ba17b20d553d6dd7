package inmem

import (
	"context"

	"github.com/conveyorhq/conveyor/model"
)

func (s *Store) Partitions() int {
	return s.partitions
}

// PollDispatches peeks at the head of the ready queue without removing
// entries. Unacked entries are returned again on the next poll.
func (s *Store) PollDispatches(ctx context.Context, partition int, batchSize int) ([]model.StepDispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.ready[partition]
	if len(queue) == 0 {
		return nil, nil
	}
	if batchSize > len(queue) {
		batchSize = len(queue)
	}
	out := make([]model.StepDispatch, batchSize)
	copy(out, queue[:batchSize])
	return out, nil
}

func (s *Store) AckDispatches(ctx context.Context, partition int, dispatches []model.StepDispatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := make(map[string]bool, len(dispatches))
	for _, d := range dispatches {
		acked[claimKey(d.ExecutionId, d.NodeId, d.Attempt)] = true
	}
	kept := s.ready[partition][:0]
	for _, d := range s.ready[partition] {
		if !acked[claimKey(d.ExecutionId, d.NodeId, d.Attempt)] {
			kept = append(kept, d)
		}
	}
	s.ready[partition] = kept
	return nil
}

func (s *Store) PollRetries(ctx context.Context, partition int) ([]model.StepDispatch, error) {
	return s.retries.poll(partition), nil
}

func (s *Store) PollResumes(ctx context.Context, partition int) ([]model.StepCompletion, error) {
	return s.resumes.poll(partition), nil
}

func (s *Store) PollTimeouts(ctx context.Context, partition int) ([]model.StepTimeout, error) {
	return s.timeouts.poll(partition), nil
}
