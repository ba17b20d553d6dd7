package service

import (
	"context"
	"sort"

	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/metadata"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"go.uber.org/zap"
)

// ExecutionService is the query and command facade the REST layer talks to.
// Commands go straight to the engine, queries assemble their views from
// storage and the compiled plan.
type ExecutionService struct {
	engine          *engine.Engine
	metadataService metadata.MetadataService
	storage         persistence.ExecutionStorage
	audit           persistence.AuditStorage
}

func NewExecutionService(eng *engine.Engine, metadataService metadata.MetadataService, storage persistence.ExecutionStorage, audit persistence.AuditStorage) *ExecutionService {
	return &ExecutionService{
		engine:          eng,
		metadataService: metadataService,
		storage:         storage,
		audit:           audit,
	}
}

func (s *ExecutionService) StartExecution(ctx context.Context, req model.ExecutionRequest) (string, error) {
	return s.engine.StartExecution(ctx, req)
}

func (s *ExecutionService) CancelExecution(ctx context.Context, executionId string) error {
	return s.engine.Cancel(ctx, executionId)
}

// GetExecutionDetail returns the execution with its step records and
// progress, the fraction of plan nodes that reached a terminal step status.
func (s *ExecutionService) GetExecutionDetail(ctx context.Context, executionId string) (*model.ExecutionDetail, error) {
	execution, err := s.storage.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	steps, err := s.storage.ListSteps(ctx, executionId)
	if err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].ScheduledAt.Equal(steps[j].ScheduledAt) {
			return steps[i].NodeId < steps[j].NodeId
		}
		return steps[i].ScheduledAt.Before(steps[j].ScheduledAt)
	})

	detail := &model.ExecutionDetail{
		Execution: *execution,
		Steps:     make([]model.WorkflowStep, 0, len(steps)),
	}
	settled := 0
	for _, step := range steps {
		if step.Status.Terminal() {
			settled++
		}
		detail.Steps = append(detail.Steps, *step)
	}
	plan, err := s.metadataService.GetPlan(ctx, execution.WorkflowName, execution.WorkflowVersion)
	if err != nil {
		logger.Error("failed to load plan for progress", zap.String("executionId", executionId), zap.Error(err))
		return detail, nil
	}
	if total := plan.NodeCount(); total > 0 {
		detail.Progress = float64(settled) / float64(total)
	}
	return detail, nil
}

func (s *ExecutionService) ListExecutions(ctx context.Context, workflowName string, status model.ExecutionStatus, limit int) ([]*model.WorkflowExecution, error) {
	return s.storage.ListExecutions(ctx, workflowName, status, limit)
}

// ArchiveExecution flags a finished run so list views can hide it. Records
// are never deleted.
func (s *ExecutionService) ArchiveExecution(ctx context.Context, executionId string) error {
	execution, err := s.storage.GetExecution(ctx, executionId)
	if err != nil {
		return err
	}
	if !execution.Status.Terminal() {
		return persistence.StateConflictError{ExecutionId: executionId, Message: "only finished executions can be archived"}
	}
	return s.storage.MarkExecutionArchived(ctx, executionId)
}

func (s *ExecutionService) Approve(ctx context.Context, executionId string, nodeId string, decision model.ApprovalDecision) error {
	return s.engine.ApproveStep(ctx, executionId, nodeId, decision)
}

func (s *ExecutionService) HandleExternalEvent(ctx context.Context, ev model.ExternalEvent) error {
	return s.engine.HandleExternalEvent(ctx, ev)
}

func (s *ExecutionService) ListEvents(ctx context.Context, executionId string) ([]model.ExecutionEvent, error) {
	return s.audit.ListEvents(ctx, executionId)
}
