package engine

import (
	"context"
	"fmt"

	"github.com/conveyorhq/conveyor/event"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"go.uber.org/zap"
)

// HandleStepTimeout fires when a watchdog deadline expires. A step still
// running the same attempt is failed as if the executor had returned a
// retryable error; anything else means the attempt already settled and the
// timeout is stale.
func (e *Engine) HandleStepTimeout(ctx context.Context, timeout model.StepTimeout) error {
	execution, err := e.storage.GetExecution(ctx, timeout.ExecutionId)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		e.cacheTerminal(execution.Id, execution.Status)
		return nil
	}
	step, err := e.storage.GetStep(ctx, timeout.ExecutionId, timeout.NodeId)
	if err != nil {
		return err
	}
	if step.Status != model.STEP_RUNNING || step.Suspended || step.Attempt != timeout.Attempt {
		return nil
	}
	plan, err := e.metadataService.GetPlan(ctx, execution.WorkflowName, execution.WorkflowVersion)
	if err != nil {
		return err
	}
	node, ok := plan.NodeById(timeout.NodeId)
	if !ok {
		return nil
	}
	e.emitter.Emit(event.New(timeout.ExecutionId, timeout.NodeId, model.EVENT_STEP_TIMED_OUT, map[string]any{
		"workflow": plan.WorkflowName,
		"nodeType": string(node.Type),
		"attempt":  timeout.Attempt,
	}))
	logger.Warn("step timed out", zap.String("executionId", timeout.ExecutionId),
		zap.String("node", timeout.NodeId), zap.Int("attempt", timeout.Attempt))
	return e.Advance(ctx, model.StepCompletion{
		ExecutionId: timeout.ExecutionId,
		NodeId:      timeout.NodeId,
		Attempt:     timeout.Attempt,
		Status:      model.STEP_FAILED,
		Retryable:   true,
		Error:       &model.ErrorDetail{Code: model.ERROR_CODE_TIMEOUT, Message: "step timed out"},
	})
}

// HandleResume feeds a due scheduled completion back into the engine. The
// per-attempt claim inside Advance absorbs redelivery.
func (e *Engine) HandleResume(ctx context.Context, completion model.StepCompletion) error {
	return e.Advance(ctx, completion)
}

// ApproveStep settles a suspended approval step with a human decision.
// Approval completes the step; rejection fails it without retry.
func (e *Engine) ApproveStep(ctx context.Context, executionId string, nodeId string, decision model.ApprovalDecision) error {
	execution, err := e.storage.GetExecution(ctx, executionId)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return persistence.StateConflictError{ExecutionId: executionId, Message: "execution already finished"}
	}
	plan, err := e.metadataService.GetPlan(ctx, execution.WorkflowName, execution.WorkflowVersion)
	if err != nil {
		return err
	}
	node, ok := plan.NodeById(nodeId)
	if !ok {
		return persistence.NotFoundError{Kind: "node", Key: nodeId}
	}
	if node.Type != model.NODE_TYPE_APPROVAL {
		return fmt.Errorf("node %s is %s, not an approval step", nodeId, node.Type)
	}
	step, err := e.storage.GetStep(ctx, executionId, nodeId)
	if err != nil {
		return err
	}
	if step.Status.Terminal() {
		return persistence.StateConflictError{ExecutionId: executionId, Message: "approval already decided"}
	}
	if !step.Suspended {
		return persistence.StateConflictError{ExecutionId: executionId, Message: "step is not awaiting approval"}
	}
	completion := model.StepCompletion{
		ExecutionId: executionId,
		NodeId:      nodeId,
		Attempt:     step.Attempt,
	}
	if decision.Approved {
		completion.Status = model.STEP_SUCCEEDED
		completion.Output = map[string]any{
			"approved":  true,
			"comment":   decision.Comment,
			"decidedBy": decision.DecidedBy,
		}
	} else {
		completion.Status = model.STEP_FAILED
		completion.Retryable = false
		message := "approval rejected"
		if decision.DecidedBy != "" {
			message = "approval rejected by " + decision.DecidedBy
		}
		completion.Error = &model.ErrorDetail{Code: model.ERROR_CODE_REJECTED, Message: message}
	}
	logger.Info("approval decided", zap.String("executionId", executionId), zap.String("node", nodeId),
		zap.Bool("approved", decision.Approved), zap.String("decidedBy", decision.DecidedBy))
	return e.Advance(ctx, completion)
}

// HandleExternalEvent resumes any suspended step with the event payload as
// its output.
func (e *Engine) HandleExternalEvent(ctx context.Context, ev model.ExternalEvent) error {
	step, err := e.storage.GetStep(ctx, ev.ExecutionId, ev.NodeId)
	if err != nil {
		return err
	}
	if step.Status.Terminal() {
		return persistence.StateConflictError{ExecutionId: ev.ExecutionId, Message: "step already finished"}
	}
	if !step.Suspended {
		return persistence.StateConflictError{ExecutionId: ev.ExecutionId, Message: "step is not suspended"}
	}
	logger.Info("external event received", zap.String("executionId", ev.ExecutionId),
		zap.String("node", ev.NodeId), zap.String("event", ev.Name))
	return e.Advance(ctx, model.StepCompletion{
		ExecutionId: ev.ExecutionId,
		NodeId:      ev.NodeId,
		Attempt:     step.Attempt,
		Status:      model.STEP_SUCCEEDED,
		Output:      ev.Payload,
	})
}
