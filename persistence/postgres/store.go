package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ persistence.ExecutionStorage = new(Store)
var _ persistence.QueueStorage = new(Store)
var _ persistence.MetadataStorage = new(Store)
var _ persistence.AuditStorage = new(Store)

// Store is the postgres backend. All four storage interfaces share one
// connection pool, transitions run inside database transactions.
type Store struct {
	pool       *pgxpool.Pool
	partitions int
	stepCodec  util.EncoderDecoder[model.WorkflowStep]
}

func NewStore(ctx context.Context, conf Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(conf.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	partitions := conf.Partitions
	if partitions < 1 {
		partitions = 1
	}
	return &Store{
		pool:       pool,
		partitions: partitions,
		stepCodec:  util.NewJsonEncoderDecoder[model.WorkflowStep](),
	}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, execution *model.WorkflowExecution, counters map[string]int, variables map[string]any) (string, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	blob, err := json.Marshal(variables)
	if err != nil {
		return "", err
	}
	ref := util.ContentRef(blob)
	triggerData, err := json.Marshal(execution.Trigger)
	if err != nil {
		return "", err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO executions (id, workflow_name, workflow_version, status, trigger_data, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		execution.Id, execution.WorkflowName, execution.WorkflowVersion, string(execution.Status), triggerData, execution.StartedAt)
	if err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return "", persistence.StateConflictError{ExecutionId: execution.Id, Message: "execution already exists"}
	}
	for node, remaining := range counters {
		if _, err := tx.Exec(ctx,
			`INSERT INTO join_counters (execution_id, node_id, remaining) VALUES ($1, $2, $3)`,
			execution.Id, node, remaining); err != nil {
			return "", persistence.StorageLayerError{Message: err.Error()}
		}
	}
	if err := saveSnapshotTx(ctx, tx, execution.Id, ref, blob); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	return ref, nil
}

func saveSnapshotTx(ctx context.Context, tx pgx.Tx, executionId string, ref string, blob []byte) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (ref, data) VALUES ($1, $2) ON CONFLICT (ref) DO NOTHING`, ref, blob); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO variable_refs (execution_id, ref) VALUES ($1, $2)
		 ON CONFLICT (execution_id) DO UPDATE SET ref = EXCLUDED.ref`, executionId, ref); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

const executionColumns = `id, workflow_name, workflow_version, status, trigger_data,
	COALESCE(error, 'null'::jsonb), archived, started_at, ended_at`

func scanExecution(row pgx.Row) (*model.WorkflowExecution, error) {
	var execution model.WorkflowExecution
	var status string
	var triggerData []byte
	var errorData []byte
	err := row.Scan(&execution.Id, &execution.WorkflowName, &execution.WorkflowVersion, &status,
		&triggerData, &errorData, &execution.Archived, &execution.StartedAt, &execution.EndedAt)
	if err != nil {
		return nil, err
	}
	execution.Status = model.ExecutionStatus(status)
	if err := json.Unmarshal(triggerData, &execution.Trigger); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(errorData, &execution.Error); err != nil {
		return nil, err
	}
	return &execution, nil
}

func (s *Store) GetExecution(ctx context.Context, executionId string) (*model.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, executionId)
	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.NotFoundError{Kind: "execution", Key: executionId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return execution, nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowName string, status model.ExecutionStatus, limit int) ([]*model.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE ($1 = '' OR workflow_name = $1) AND ($2 = '' OR status = $2)
		 ORDER BY started_at DESC LIMIT $3`,
		workflowName, string(status), limit)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()

	var out []*model.WorkflowExecution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		out = append(out, execution)
	}
	return out, rows.Err()
}

// UpdateExecutionStatus relies on the conditional UPDATE itself for the
// compare and set, the row count reveals whether this caller won.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionId string, from []model.ExecutionStatus, to model.ExecutionStatus, errDetail *model.ErrorDetail) (bool, error) {
	fromStates := make([]string, 0, len(from))
	for _, f := range from {
		fromStates = append(fromStates, string(f))
	}
	var errorData []byte
	if errDetail != nil {
		data, err := json.Marshal(errDetail)
		if err != nil {
			return false, err
		}
		errorData = data
	}
	var endedAt *time.Time
	if to.Terminal() {
		now := time.Now()
		endedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET status = $1, error = $2, ended_at = COALESCE($3, ended_at)
		 WHERE id = $4 AND status = ANY($5)`,
		string(to), errorData, endedAt, executionId, fromStates)
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkExecutionArchived(ctx context.Context, executionId string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE executions SET archived = TRUE WHERE id = $1`, executionId)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return persistence.NotFoundError{Kind: "execution", Key: executionId}
	}
	return nil
}

func (s *Store) GetStep(ctx context.Context, executionId string, nodeId string) (*model.WorkflowStep, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM steps WHERE execution_id = $1 AND node_id = $2`, executionId, nodeId).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.NotFoundError{Kind: "step", Key: executionId + ":" + nodeId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.stepCodec.Decode(data)
}

func (s *Store) ListSteps(ctx context.Context, executionId string) ([]*model.WorkflowStep, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM steps WHERE execution_id = $1`, executionId)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	defer rows.Close()

	var out []*model.WorkflowStep
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		step, err := s.stepCodec.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *Store) SaveStep(ctx context.Context, step *model.WorkflowStep) error {
	data, err := s.stepCodec.Encode(*step)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO steps (execution_id, node_id, status, attempt, data) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (execution_id, node_id) DO UPDATE SET status = EXCLUDED.status, attempt = EXCLUDED.attempt, data = EXCLUDED.data`,
		step.ExecutionId, step.NodeId, string(step.Status), step.Attempt, data); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) ClaimStepCompletion(ctx context.Context, executionId string, nodeId string, attempt int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO completion_claims (execution_id, node_id, attempt) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		executionId, nodeId, attempt)
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DecrementJoinCounter(ctx context.Context, executionId string, nodeId string) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx,
		`UPDATE join_counters SET remaining = remaining - 1
		 WHERE execution_id = $1 AND node_id = $2 RETURNING remaining`,
		executionId, nodeId).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, persistence.NotFoundError{Kind: "counters", Key: executionId + ":" + nodeId}
		}
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return remaining, nil
}

func (s *Store) Apply(ctx context.Context, transition *persistence.TransitionSet) error {
	partition := util.Partition(transition.ExecutionId, s.partitions)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	defer tx.Rollback(ctx)

	if transition.Variables != nil {
		blob, err := json.Marshal(transition.Variables)
		if err != nil {
			return err
		}
		if err := saveSnapshotTx(ctx, tx, transition.ExecutionId, util.ContentRef(blob), blob); err != nil {
			return err
		}
	}
	for _, step := range transition.Steps {
		data, err := s.stepCodec.Encode(*step)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO steps (execution_id, node_id, status, attempt, data) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (execution_id, node_id) DO UPDATE SET status = EXCLUDED.status, attempt = EXCLUDED.attempt, data = EXCLUDED.data`,
			step.ExecutionId, step.NodeId, string(step.Status), step.Attempt, data); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	for _, dispatch := range transition.Dispatches {
		data, err := json.Marshal(dispatch)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ready_queue (part, execution_id, node_id, attempt, data) VALUES ($1, $2, $3, $4, $5)`,
			partition, dispatch.ExecutionId, dispatch.NodeId, dispatch.Attempt, data); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	for _, retry := range transition.Retries {
		if err := scheduleTx(ctx, tx, laneRetry, partition, retry.At, retry.Dispatch); err != nil {
			return err
		}
	}
	for _, resume := range transition.Resumes {
		if err := scheduleTx(ctx, tx, laneResume, partition, resume.At, resume.Completion); err != nil {
			return err
		}
	}
	for _, timeout := range transition.Timeouts {
		if err := scheduleTx(ctx, tx, laneTimeout, partition, timeout.At, timeout.Timeout); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func scheduleTx(ctx context.Context, tx pgx.Tx, lane string, partition int, at time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO scheduled_queue (lane, part, due_at, data) VALUES ($1, $2, $3, $4)`,
		lane, partition, at, data); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) GetVariables(ctx context.Context, executionId string) (map[string]any, error) {
	var ref string
	err := s.pool.QueryRow(ctx, `SELECT ref FROM variable_refs WHERE execution_id = $1`, executionId).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.NotFoundError{Kind: "variables", Key: executionId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return s.GetSnapshot(ctx, ref)
}

func (s *Store) GetSnapshot(ctx context.Context, ref string) (map[string]any, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM snapshots WHERE ref = $1`, ref).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.NotFoundError{Kind: "snapshot", Key: ref}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var variables map[string]any
	if err := json.Unmarshal(data, &variables); err != nil {
		return nil, err
	}
	return variables, nil
}
