package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.MetadataStorage = new(redisMetadataStorage)

type redisMetadataStorage struct {
	*baseDao
	workflowCodec util.EncoderDecoder[model.Workflow]
}

func NewMetadataStorage(conf Config) *redisMetadataStorage {
	return &redisMetadataStorage{
		baseDao:       newBaseDao(conf),
		workflowCodec: util.NewJsonEncoderDecoder[model.Workflow](),
	}
}

func (r *redisMetadataStorage) SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error {
	data, err := r.workflowCodec.Encode(wf)
	if err != nil {
		return err
	}
	_, err = r.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.HSet(ctx, r.definitionKey(wf.Name), []string{strconv.Itoa(wf.Version), string(data)})
		pipe.SAdd(ctx, r.definitionIndexKey(), wf.Name)
		return nil
	})
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisMetadataStorage) GetWorkflowDefinition(ctx context.Context, name string, version int) (*model.Workflow, error) {
	data, err := r.redisClient.HGet(ctx, r.definitionKey(name), strconv.Itoa(version)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "workflow", Key: fmt.Sprintf("%s:%d", name, version)}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.workflowCodec.Decode([]byte(data))
}

func (r *redisMetadataStorage) GetLatestWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error) {
	versions, err := r.loadVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	var latest *model.Workflow
	for i := range versions {
		wf := versions[i]
		if !wf.Published {
			continue
		}
		if latest == nil || wf.Version > latest.Version {
			latest = &wf
		}
	}
	if latest == nil {
		return nil, persistence.NotFoundError{Kind: "workflow", Key: name}
	}
	return latest, nil
}

func (r *redisMetadataStorage) ListWorkflowDefinitions(ctx context.Context) ([]model.WorkflowSummary, error) {
	names, err := r.redisClient.SMembers(ctx, r.definitionIndexKey()).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]model.WorkflowSummary, 0, len(names))
	for _, name := range names {
		summaries, err := r.ListWorkflowVersions(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, summaries...)
	}
	return out, nil
}

func (r *redisMetadataStorage) ListWorkflowVersions(ctx context.Context, name string) ([]model.WorkflowSummary, error) {
	versions, err := r.loadVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]model.WorkflowSummary, 0, len(versions))
	for _, wf := range versions {
		out = append(out, model.WorkflowSummary{
			Name:      wf.Name,
			Version:   wf.Version,
			Published: wf.Published,
			NodeCount: len(wf.Nodes),
			CreatedAt: wf.CreatedAt,
		})
	}
	return out, nil
}

func (r *redisMetadataStorage) DeleteWorkflowDefinition(ctx context.Context, name string, version int) error {
	removed, err := r.redisClient.HDel(ctx, r.definitionKey(name), strconv.Itoa(version)).Result()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if removed == 0 {
		return persistence.NotFoundError{Kind: "workflow", Key: fmt.Sprintf("%s:%d", name, version)}
	}
	remaining, err := r.redisClient.HLen(ctx, r.definitionKey(name)).Result()
	if err == nil && remaining == 0 {
		if err := r.redisClient.SRem(ctx, r.definitionIndexKey(), name).Err(); err != nil {
			logger.Error("failed to drop workflow from index", zap.String("workflow", name), zap.Error(err))
		}
	}
	return nil
}

func (r *redisMetadataStorage) loadVersions(ctx context.Context, name string) ([]model.Workflow, error) {
	values, err := r.redisClient.HVals(ctx, r.definitionKey(name)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]model.Workflow, 0, len(values))
	for _, v := range values {
		wf, err := r.workflowCodec.Decode([]byte(v))
		if err != nil {
			logger.Error("skipping undecodable workflow definition", zap.String("workflow", name), zap.Error(err))
			continue
		}
		out = append(out, *wf)
	}
	return out, nil
}
