package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.QueueStorage = new(redisQueueStorage)

type redisQueueStorage struct {
	*baseDao
	dispatchCodec   util.EncoderDecoder[model.StepDispatch]
	completionCodec util.EncoderDecoder[model.StepCompletion]
	timeoutCodec    util.EncoderDecoder[model.StepTimeout]
}

func NewQueueStorage(conf Config) *redisQueueStorage {
	return &redisQueueStorage{
		baseDao:         newBaseDao(conf),
		dispatchCodec:   util.NewJsonEncoderDecoder[model.StepDispatch](),
		completionCodec: util.NewJsonEncoderDecoder[model.StepCompletion](),
		timeoutCodec:    util.NewJsonEncoderDecoder[model.StepTimeout](),
	}
}

func (r *redisQueueStorage) Partitions() int {
	return r.partitions
}

// PollDispatches peeks at the ready queue without removing entries. Entries
// disappear only on ack, so a consumer crash redelivers them.
func (r *redisQueueStorage) PollDispatches(ctx context.Context, partition int, batchSize int) ([]model.StepDispatch, error) {
	values, err := r.redisClient.ZRange(ctx, r.readyKey(partition), 0, int64(batchSize-1)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]model.StepDispatch, 0, len(values))
	for _, v := range values {
		dispatch, err := r.dispatchCodec.Decode([]byte(v))
		if err != nil {
			logger.Error("skipping undecodable dispatch", zap.Int("partition", partition), zap.Error(err))
			continue
		}
		out = append(out, *dispatch)
	}
	return out, nil
}

func (r *redisQueueStorage) AckDispatches(ctx context.Context, partition int, dispatches []model.StepDispatch) error {
	if len(dispatches) == 0 {
		return nil
	}
	members := make([]any, 0, len(dispatches))
	for _, dispatch := range dispatches {
		data, err := r.dispatchCodec.Encode(dispatch)
		if err != nil {
			return err
		}
		members = append(members, string(data))
	}
	if err := r.redisClient.ZRem(ctx, r.readyKey(partition), members...).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisQueueStorage) PollRetries(ctx context.Context, partition int) ([]model.StepDispatch, error) {
	values, err := r.getExpiredFromSortedSet(ctx, r.retryKey(partition))
	if err != nil {
		return nil, err
	}
	out := make([]model.StepDispatch, 0, len(values))
	for _, v := range values {
		dispatch, err := r.dispatchCodec.Decode([]byte(v))
		if err != nil {
			logger.Error("skipping undecodable retry entry", zap.Int("partition", partition), zap.Error(err))
			continue
		}
		out = append(out, *dispatch)
	}
	return out, nil
}

func (r *redisQueueStorage) PollResumes(ctx context.Context, partition int) ([]model.StepCompletion, error) {
	values, err := r.getExpiredFromSortedSet(ctx, r.resumeKey(partition))
	if err != nil {
		return nil, err
	}
	out := make([]model.StepCompletion, 0, len(values))
	for _, v := range values {
		completion, err := r.completionCodec.Decode([]byte(v))
		if err != nil {
			logger.Error("skipping undecodable resume entry", zap.Int("partition", partition), zap.Error(err))
			continue
		}
		out = append(out, *completion)
	}
	return out, nil
}

func (r *redisQueueStorage) PollTimeouts(ctx context.Context, partition int) ([]model.StepTimeout, error) {
	values, err := r.getExpiredFromSortedSet(ctx, r.timeoutKey(partition))
	if err != nil {
		return nil, err
	}
	out := make([]model.StepTimeout, 0, len(values))
	for _, v := range values {
		timeout, err := r.timeoutCodec.Decode([]byte(v))
		if err != nil {
			logger.Error("skipping undecodable timeout entry", zap.Int("partition", partition), zap.Error(err))
			continue
		}
		out = append(out, *timeout)
	}
	return out, nil
}

// getExpiredFromSortedSet reads and removes all members whose score is in
// the past. Read and trim run in one pipeline over the same bound, entries
// scheduled between the two commands stay put.
func (r *redisQueueStorage) getExpiredFromSortedSet(ctx context.Context, key string) ([]string, error) {
	currentTime := time.Now().UnixMilli()
	opt := &rd.ZRangeBy{
		Min: strconv.Itoa(0),
		Max: strconv.FormatInt(currentTime, 10),
	}
	pipe := r.redisClient.Pipeline()
	zr := pipe.ZRangeByScore(ctx, key, opt)
	pipe.ZRemRangeByScore(ctx, key, strconv.Itoa(0), strconv.FormatInt(currentTime, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	res, err := zr.Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []string{}, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return res, nil
}
