package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.ExecutionStorage = new(redisExecutionStorage)

type redisExecutionStorage struct {
	*baseDao
	executionCodec  util.EncoderDecoder[model.WorkflowExecution]
	stepCodec       util.EncoderDecoder[model.WorkflowStep]
	dispatchCodec   util.EncoderDecoder[model.StepDispatch]
	completionCodec util.EncoderDecoder[model.StepCompletion]
	timeoutCodec    util.EncoderDecoder[model.StepTimeout]
	variablesCodec  util.EncoderDecoder[map[string]any]
}

func NewExecutionStorage(conf Config) *redisExecutionStorage {
	return &redisExecutionStorage{
		baseDao:         newBaseDao(conf),
		executionCodec:  util.NewJsonEncoderDecoder[model.WorkflowExecution](),
		stepCodec:       util.NewJsonEncoderDecoder[model.WorkflowStep](),
		dispatchCodec:   util.NewJsonEncoderDecoder[model.StepDispatch](),
		completionCodec: util.NewJsonEncoderDecoder[model.StepCompletion](),
		timeoutCodec:    util.NewJsonEncoderDecoder[model.StepTimeout](),
		variablesCodec:  util.NewJsonEncoderDecoder[map[string]any](),
	}
}

func (r *redisExecutionStorage) CreateExecution(ctx context.Context, execution *model.WorkflowExecution, counters map[string]int, variables map[string]any) (string, error) {
	data, err := r.executionCodec.Encode(*execution)
	if err != nil {
		return "", err
	}
	created, err := r.redisClient.SetNX(ctx, r.executionKey(execution.Id), data, 0).Result()
	if err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	if !created {
		return "", persistence.StateConflictError{ExecutionId: execution.Id, Message: "execution already exists"}
	}
	if variables == nil {
		variables = map[string]any{}
	}
	blob, err := r.variablesCodec.Encode(variables)
	if err != nil {
		return "", err
	}
	ref := util.ContentRef(blob)
	_, err = r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.ZAdd(ctx, r.executionIndexKey(), rd.Z{
			Score:  float64(execution.StartedAt.UnixMilli()),
			Member: execution.Id,
		})
		if len(counters) > 0 {
			fields := make([]string, 0, len(counters)*2)
			for node, remaining := range counters {
				fields = append(fields, node, fmt.Sprintf("%d", remaining))
			}
			pipe.HSet(ctx, r.joinKey(execution.Id), fields)
		}
		pipe.Set(ctx, r.snapshotKey(ref), blob, 0)
		pipe.HSet(ctx, r.variableRefKey(), []string{execution.Id, ref})
		return nil
	})
	if err != nil {
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	return ref, nil
}

func (r *redisExecutionStorage) GetExecution(ctx context.Context, executionId string) (*model.WorkflowExecution, error) {
	data, err := r.redisClient.Get(ctx, r.executionKey(executionId)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "execution", Key: executionId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.executionCodec.Decode([]byte(data))
}

func (r *redisExecutionStorage) ListExecutions(ctx context.Context, workflowName string, status model.ExecutionStatus, limit int) ([]*model.WorkflowExecution, error) {
	ids, err := r.redisClient.ZRevRange(ctx, r.executionIndexKey(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]*model.WorkflowExecution, 0)
	for _, id := range ids {
		execution, err := r.GetExecution(ctx, id)
		if err != nil {
			if _, ok := err.(persistence.NotFoundError); ok {
				continue
			}
			return nil, err
		}
		if workflowName != "" && execution.WorkflowName != workflowName {
			continue
		}
		if status != "" && execution.Status != status {
			continue
		}
		out = append(out, execution)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UpdateExecutionStatus is a compare and set over the execution record. The
// read and the write run inside WATCH so a concurrent writer voids the
// transaction, voided transactions retry a few times before giving up.
func (r *redisExecutionStorage) UpdateExecutionStatus(ctx context.Context, executionId string, from []model.ExecutionStatus, to model.ExecutionStatus, errDetail *model.ErrorDetail) (bool, error) {
	key := r.executionKey(executionId)
	applied := false
	txf := func(tx *rd.Tx) error {
		applied = false
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				return persistence.NotFoundError{Kind: "execution", Key: executionId}
			}
			return err
		}
		execution, err := r.executionCodec.Decode([]byte(data))
		if err != nil {
			return err
		}
		eligible := false
		for _, f := range from {
			if execution.Status == f {
				eligible = true
				break
			}
		}
		if !eligible {
			return nil
		}
		execution.Status = to
		execution.Error = errDetail
		if to.Terminal() {
			now := time.Now()
			execution.EndedAt = &now
		}
		updated, err := r.executionCodec.Encode(*execution)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	operation := func() error {
		err := r.redisClient.Watch(ctx, txf, key)
		if errors.Is(err, rd.TxFailedErr) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 5)
	if err := backoff.Retry(operation, b); err != nil {
		if _, ok := err.(persistence.NotFoundError); ok {
			return false, err
		}
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return applied, nil
}

func (r *redisExecutionStorage) MarkExecutionArchived(ctx context.Context, executionId string) error {
	key := r.executionKey(executionId)
	txf := func(tx *rd.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				return persistence.NotFoundError{Kind: "execution", Key: executionId}
			}
			return err
		}
		execution, err := r.executionCodec.Decode([]byte(data))
		if err != nil {
			return err
		}
		execution.Archived = true
		updated, err := r.executionCodec.Encode(*execution)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}
	operation := func() error {
		err := r.redisClient.Watch(ctx, txf, key)
		if errors.Is(err, rd.TxFailedErr) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 5)
	if err := backoff.Retry(operation, b); err != nil {
		if _, ok := err.(persistence.NotFoundError); ok {
			return err
		}
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisExecutionStorage) GetStep(ctx context.Context, executionId string, nodeId string) (*model.WorkflowStep, error) {
	data, err := r.redisClient.HGet(ctx, r.stepsKey(executionId), nodeId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "step", Key: executionId + ":" + nodeId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.stepCodec.Decode([]byte(data))
}

func (r *redisExecutionStorage) ListSteps(ctx context.Context, executionId string) ([]*model.WorkflowStep, error) {
	values, err := r.redisClient.HVals(ctx, r.stepsKey(executionId)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]*model.WorkflowStep, 0, len(values))
	for _, v := range values {
		step, err := r.stepCodec.Decode([]byte(v))
		if err != nil {
			logger.Error("skipping undecodable step record", zap.String("executionId", executionId), zap.Error(err))
			continue
		}
		out = append(out, step)
	}
	return out, nil
}

func (r *redisExecutionStorage) SaveStep(ctx context.Context, step *model.WorkflowStep) error {
	data, err := r.stepCodec.Encode(*step)
	if err != nil {
		return err
	}
	if err := r.redisClient.HSet(ctx, r.stepsKey(step.ExecutionId), []string{step.NodeId, string(data)}).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisExecutionStorage) ClaimStepCompletion(ctx context.Context, executionId string, nodeId string, attempt int) (bool, error) {
	field := fmt.Sprintf("%s:%d", nodeId, attempt)
	claimed, err := r.redisClient.HSetNX(ctx, r.claimsKey(executionId), field, time.Now().UnixMilli()).Result()
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return claimed, nil
}

func (r *redisExecutionStorage) DecrementJoinCounter(ctx context.Context, executionId string, nodeId string) (int, error) {
	remaining, err := r.redisClient.HIncrBy(ctx, r.joinKey(executionId), nodeId, -1).Result()
	if err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return int(remaining), nil
}

// Apply writes step records, the variable snapshot and every scheduled queue
// entry in one MULTI/EXEC pipeline, so a transition is never half visible.
func (r *redisExecutionStorage) Apply(ctx context.Context, transition *persistence.TransitionSet) error {
	partition := util.Partition(transition.ExecutionId, r.partitions)
	var snapshotRef string
	var snapshotBlob []byte
	if transition.Variables != nil {
		blob, err := r.variablesCodec.Encode(transition.Variables)
		if err != nil {
			return err
		}
		snapshotBlob = blob
		snapshotRef = util.ContentRef(blob)
	}
	stepData := make(map[string][]byte, len(transition.Steps))
	for _, step := range transition.Steps {
		data, err := r.stepCodec.Encode(*step)
		if err != nil {
			return err
		}
		stepData[step.NodeId] = data
	}
	dispatchMembers := make([]rd.Z, 0, len(transition.Dispatches))
	now := float64(time.Now().UnixMilli())
	for _, dispatch := range transition.Dispatches {
		data, err := r.dispatchCodec.Encode(dispatch)
		if err != nil {
			return err
		}
		dispatchMembers = append(dispatchMembers, rd.Z{Score: now, Member: string(data)})
	}
	retryMembers := make([]rd.Z, 0, len(transition.Retries))
	for _, retry := range transition.Retries {
		data, err := r.dispatchCodec.Encode(retry.Dispatch)
		if err != nil {
			return err
		}
		retryMembers = append(retryMembers, rd.Z{Score: float64(retry.At.UnixMilli()), Member: string(data)})
	}
	resumeMembers := make([]rd.Z, 0, len(transition.Resumes))
	for _, resume := range transition.Resumes {
		data, err := r.completionCodec.Encode(resume.Completion)
		if err != nil {
			return err
		}
		resumeMembers = append(resumeMembers, rd.Z{Score: float64(resume.At.UnixMilli()), Member: string(data)})
	}
	timeoutMembers := make([]rd.Z, 0, len(transition.Timeouts))
	for _, timeout := range transition.Timeouts {
		data, err := r.timeoutCodec.Encode(timeout.Timeout)
		if err != nil {
			return err
		}
		timeoutMembers = append(timeoutMembers, rd.Z{Score: float64(timeout.At.UnixMilli()), Member: string(data)})
	}

	_, err := r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		for nodeId, data := range stepData {
			pipe.HSet(ctx, r.stepsKey(transition.ExecutionId), []string{nodeId, string(data)})
		}
		if snapshotBlob != nil {
			pipe.Set(ctx, r.snapshotKey(snapshotRef), snapshotBlob, 0)
			pipe.HSet(ctx, r.variableRefKey(), []string{transition.ExecutionId, snapshotRef})
		}
		if len(dispatchMembers) > 0 {
			pipe.ZAdd(ctx, r.readyKey(partition), dispatchMembers...)
		}
		if len(retryMembers) > 0 {
			pipe.ZAdd(ctx, r.retryKey(partition), retryMembers...)
		}
		if len(resumeMembers) > 0 {
			pipe.ZAdd(ctx, r.resumeKey(partition), resumeMembers...)
		}
		if len(timeoutMembers) > 0 {
			pipe.ZAdd(ctx, r.timeoutKey(partition), timeoutMembers...)
		}
		return nil
	})
	if err != nil {
		logger.Error("transition apply failed", zap.String("executionId", transition.ExecutionId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisExecutionStorage) GetVariables(ctx context.Context, executionId string) (map[string]any, error) {
	ref, err := r.redisClient.HGet(ctx, r.variableRefKey(), executionId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "variables", Key: executionId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.GetSnapshot(ctx, ref)
}

func (r *redisExecutionStorage) GetSnapshot(ctx context.Context, ref string) (map[string]any, error) {
	data, err := r.redisClient.Get(ctx, r.snapshotKey(ref)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "snapshot", Key: ref}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	variables, err := r.variablesCodec.Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	return *variables, nil
}
