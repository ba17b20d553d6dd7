package executor

import (
	"context"

	"github.com/conveyorhq/conveyor/logger"
	"go.uber.org/zap"
)

var _ Executor = new(approvalExecutor)

// approvalExecutor never blocks a worker. The step suspends until a
// decision arrives through the approval endpoint.
type approvalExecutor struct {
}

func NewApprovalExecutor() *approvalExecutor {
	return &approvalExecutor{}
}

func (ae *approvalExecutor) Name() string {
	return "approval"
}

func (ae *approvalExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	logger.Info("suspending for approval", zap.String("workflow", req.WorkflowName), zap.String("id", req.ExecutionId), zap.String("node", req.Node.Id))
	return Result{Status: RESULT_SUSPENDED}, nil
}
