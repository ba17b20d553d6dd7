package redis

import (
	"context"
	"errors"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.AuditStorage = new(redisAuditStorage)

type redisAuditStorage struct {
	*baseDao
	eventCodec util.EncoderDecoder[model.ExecutionEvent]
}

func NewAuditStorage(conf Config) *redisAuditStorage {
	return &redisAuditStorage{
		baseDao:    newBaseDao(conf),
		eventCodec: util.NewJsonEncoderDecoder[model.ExecutionEvent](),
	}
}

func (r *redisAuditStorage) AppendEvent(ctx context.Context, event model.ExecutionEvent) error {
	data, err := r.eventCodec.Encode(event)
	if err != nil {
		return err
	}
	if err := r.redisClient.RPush(ctx, r.eventsKey(event.ExecutionId), data).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisAuditStorage) ListEvents(ctx context.Context, executionId string) ([]model.ExecutionEvent, error) {
	values, err := r.redisClient.LRange(ctx, r.eventsKey(executionId), 0, -1).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]model.ExecutionEvent, 0, len(values))
	for _, v := range values {
		event, err := r.eventCodec.Decode([]byte(v))
		if err != nil {
			logger.Error("skipping undecodable event", zap.String("executionId", executionId), zap.Error(err))
			continue
		}
		out = append(out, *event)
	}
	return out, nil
}
