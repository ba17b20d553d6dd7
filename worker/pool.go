package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/executor"
	"github.com/conveyorhq/conveyor/graph"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/metadata"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	"go.uber.org/zap"
)

// Pool runs step dispatches. One poll loop per partition peeks at the ready
// queue, resolves the pinned snapshot, executes the node and feeds the
// completion back into the engine. A dispatch is acked only after its
// completion is applied; a crash in between redelivers and the idempotency
// key plus the completion claim make the replay harmless.
type Pool struct {
	engine          *engine.Engine
	queue           persistence.QueueStorage
	storage         persistence.ExecutionStorage
	metadataService metadata.MetadataService
	registry        *executor.Registry
	batchSize       int
	tickers         []*util.TickWorker
}

func NewPool(eng *engine.Engine, queue persistence.QueueStorage, storage persistence.ExecutionStorage,
	metadataService metadata.MetadataService, registry *executor.Registry,
	batchSize int, pollInterval time.Duration, wg *sync.WaitGroup) *Pool {
	p := &Pool{
		engine:          eng,
		queue:           queue,
		storage:         storage,
		metadataService: metadataService,
		registry:        registry,
		batchSize:       batchSize,
	}
	for partition := 0; partition < queue.Partitions(); partition++ {
		partition := partition
		p.tickers = append(p.tickers, util.NewTickWorker(fmt.Sprintf("dispatch-worker-%d", partition),
			pollInterval, func() { p.handle(partition) }, wg))
	}
	return p
}

func (p *Pool) Start() {
	for _, tw := range p.tickers {
		tw.Start()
	}
}

func (p *Pool) Stop() {
	for _, tw := range p.tickers {
		tw.Stop()
	}
}

func (p *Pool) handle(partition int) {
	ctx := context.Background()
	dispatches, err := p.queue.PollDispatches(ctx, partition, p.batchSize)
	if err != nil {
		logger.Error("dispatch poll failed", zap.Int("partition", partition), zap.Error(err))
		return
	}
	if len(dispatches) == 0 {
		return
	}
	done := make([]model.StepDispatch, 0, len(dispatches))
	for _, dispatch := range dispatches {
		if err := p.process(ctx, dispatch); err != nil {
			logger.Error("dispatch left for redelivery", zap.String("executionId", dispatch.ExecutionId),
				zap.String("node", dispatch.NodeId), zap.Int("attempt", dispatch.Attempt), zap.Error(err))
			continue
		}
		done = append(done, dispatch)
	}
	if len(done) > 0 {
		if err := p.queue.AckDispatches(ctx, partition, done); err != nil {
			logger.Error("dispatch ack failed", zap.Int("partition", partition), zap.Error(err))
		}
	}
}

func (p *Pool) process(ctx context.Context, dispatch model.StepDispatch) error {
	if p.engine.IsTerminal(ctx, dispatch.ExecutionId) {
		return nil
	}
	plan, err := p.metadataService.GetPlan(ctx, dispatch.WorkflowName, dispatch.WorkflowVersion)
	if err != nil {
		return err
	}
	node, ok := plan.NodeById(dispatch.NodeId)
	if !ok {
		logger.Error("dispatch for unknown node dropped", zap.String("workflow", dispatch.WorkflowName),
			zap.String("node", dispatch.NodeId))
		return nil
	}
	snapshot, err := p.storage.GetSnapshot(ctx, dispatch.SnapshotRef)
	if err != nil {
		return err
	}
	completion := p.execute(ctx, plan, node, dispatch, snapshot)
	return p.deliver(ctx, completion)
}

func (p *Pool) execute(ctx context.Context, plan *graph.CompiledPlan, node model.Node, dispatch model.StepDispatch, snapshot map[string]any) model.StepCompletion {
	completion := model.StepCompletion{
		ExecutionId: dispatch.ExecutionId,
		NodeId:      node.Id,
		Attempt:     dispatch.Attempt,
	}
	ex, err := p.registry.Get(node.Type)
	if err != nil {
		completion.Status = model.STEP_FAILED
		completion.Retryable = false
		completion.Error = &model.ErrorDetail{Code: model.ERROR_CODE_EXECUTOR, Message: err.Error()}
		return completion
	}

	execCtx := ctx
	if timeout := plan.TimeoutFor(node); timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}
	result, err := ex.Execute(execCtx, executor.Request{
		ExecutionId:    dispatch.ExecutionId,
		WorkflowName:   dispatch.WorkflowName,
		Node:           node,
		Attempt:        dispatch.Attempt,
		Params:         util.ResolveParams(snapshot, node.Parameters),
		Snapshot:       snapshot,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", dispatch.ExecutionId, node.Id, dispatch.Attempt),
	})
	if err != nil {
		completion.Status = model.STEP_FAILED
		completion.Retryable = executor.IsRetryable(err)
		completion.Error = errorDetail(err)
		return completion
	}

	switch result.Status {
	case executor.RESULT_COMPLETED:
		completion.Status = model.STEP_SUCCEEDED
		completion.Output = result.Output
		completion.ActiveEdges = result.ActiveEdges
	case executor.RESULT_SUSPENDED:
		completion.Suspended = true
		completion.Output = result.Output
	case executor.RESULT_DEFERRED:
		completion.Suspended = true
		completion.Output = result.Output
		completion.ResumeAt = result.ResumeAt
	default:
		completion.Status = model.STEP_FAILED
		completion.Retryable = false
		completion.Error = &model.ErrorDetail{Code: model.ERROR_CODE_EXECUTOR,
			Message: fmt.Sprintf("executor %s returned unknown status %s", ex.Name(), result.Status)}
	}
	return completion
}

// deliver pushes the completion into the engine, retrying transient storage
// failures before giving the dispatch back for redelivery.
func (p *Pool) deliver(ctx context.Context, completion model.StepCompletion) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(1*time.Second), 3)
	return backoff.Retry(func() error {
		return p.engine.Advance(ctx, completion)
	}, b)
}

func errorDetail(err error) *model.ErrorDetail {
	if ee, ok := executor.AsExecutorError(err); ok {
		return &model.ErrorDetail{Code: ee.Code, Message: ee.Message}
	}
	return &model.ErrorDetail{Code: model.ERROR_CODE_EXECUTOR, Message: err.Error()}
}
