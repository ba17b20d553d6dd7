package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/jackc/pgx/v5"
)

func (s *Store) SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO definitions (name, version, published, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name, version) DO UPDATE SET published = EXCLUDED.published, data = EXCLUDED.data`,
		wf.Name, wf.Version, wf.Published, data); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) GetWorkflowDefinition(ctx context.Context, name string, version int) (*model.Workflow, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM definitions WHERE name = $1 AND version = $2`, name, version).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.NotFoundError{Kind: "workflow", Key: fmt.Sprintf("%s:%d", name, version)}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var wf model.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *Store) GetLatestWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM definitions WHERE name = $1 AND published ORDER BY version DESC LIMIT 1`, name).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.NotFoundError{Kind: "workflow", Key: name}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var wf model.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]model.WorkflowSummary, error) {
	return s.listSummaries(ctx, `SELECT data FROM definitions ORDER BY name, version`)
}

func (s *Store) ListWorkflowVersions(ctx context.Context, name string) ([]model.WorkflowSummary, error) {
	return s.listSummaries(ctx, `SELECT data FROM definitions WHERE name = $1 ORDER BY version`, name)
}

func (s *Store) listSummaries(ctx context.Context, query string, args ...any) ([]model.WorkflowSummary, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()

	out := make([]model.WorkflowSummary, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		var wf model.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, err
		}
		out = append(out, model.WorkflowSummary{
			Name:      wf.Name,
			Version:   wf.Version,
			Published: wf.Published,
			NodeCount: len(wf.Nodes),
			CreatedAt: wf.CreatedAt,
		})
	}
	return out, rows.Err()
}

func (s *Store) DeleteWorkflowDefinition(ctx context.Context, name string, version int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM definitions WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return persistence.NotFoundError{Kind: "workflow", Key: fmt.Sprintf("%s:%d", name, version)}
	}
	return nil
}
