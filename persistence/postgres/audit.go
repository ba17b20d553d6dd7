package postgres

import (
	"context"
	"encoding/json"

	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
)

func (s *Store) AppendEvent(ctx context.Context, event model.ExecutionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO events (execution_id, data) VALUES ($1, $2)`, event.ExecutionId, data); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, executionId string) ([]model.ExecutionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM events WHERE execution_id = $1 ORDER BY id`, executionId)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()

	out := make([]model.ExecutionEvent, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		var event model.ExecutionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
