package postgres

import (
	"context"
	"encoding/json"

	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
)

const laneRetry string = "retry"
const laneResume string = "resume"
const laneTimeout string = "timeout"

func (s *Store) Partitions() int {
	return s.partitions
}

func (s *Store) PollDispatches(ctx context.Context, partition int, batchSize int) ([]model.StepDispatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM ready_queue WHERE part = $1 ORDER BY id LIMIT $2`, partition, batchSize)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()

	var out []model.StepDispatch
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		var dispatch model.StepDispatch
		if err := json.Unmarshal(data, &dispatch); err != nil {
			return nil, err
		}
		out = append(out, dispatch)
	}
	return out, rows.Err()
}

func (s *Store) AckDispatches(ctx context.Context, partition int, dispatches []model.StepDispatch) error {
	for _, dispatch := range dispatches {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM ready_queue WHERE part = $1 AND execution_id = $2 AND node_id = $3 AND attempt = $4`,
			partition, dispatch.ExecutionId, dispatch.NodeId, dispatch.Attempt); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	return nil
}

// drainScheduled removes and returns every due entry of a lane. The delete
// with returning makes the drain atomic, two pollers never see the same
// entry.
func (s *Store) drainScheduled(ctx context.Context, lane string, partition int) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM scheduled_queue WHERE lane = $1 AND part = $2 AND due_at <= now() RETURNING data`,
		lane, partition)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *Store) PollRetries(ctx context.Context, partition int) ([]model.StepDispatch, error) {
	values, err := s.drainScheduled(ctx, laneRetry, partition)
	if err != nil {
		return nil, err
	}
	out := make([]model.StepDispatch, 0, len(values))
	for _, v := range values {
		var dispatch model.StepDispatch
		if err := json.Unmarshal(v, &dispatch); err != nil {
			return nil, err
		}
		out = append(out, dispatch)
	}
	return out, nil
}

func (s *Store) PollResumes(ctx context.Context, partition int) ([]model.StepCompletion, error) {
	values, err := s.drainScheduled(ctx, laneResume, partition)
	if err != nil {
		return nil, err
	}
	out := make([]model.StepCompletion, 0, len(values))
	for _, v := range values {
		var completion model.StepCompletion
		if err := json.Unmarshal(v, &completion); err != nil {
			return nil, err
		}
		out = append(out, completion)
	}
	return out, nil
}

func (s *Store) PollTimeouts(ctx context.Context, partition int) ([]model.StepTimeout, error) {
	values, err := s.drainScheduled(ctx, laneTimeout, partition)
	if err != nil {
		return nil, err
	}
	out := make([]model.StepTimeout, 0, len(values))
	for _, v := range values {
		var timeout model.StepTimeout
		if err := json.Unmarshal(v, &timeout); err != nil {
			return nil, err
		}
		out = append(out, timeout)
	}
	return out, nil
}
