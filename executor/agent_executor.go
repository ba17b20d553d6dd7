package executor

import (
	"context"

	"github.com/conveyorhq/conveyor/logger"
	"go.uber.org/zap"
)

var _ Executor = new(agentExecutor)

type agentExecutor struct {
	invoker AgentInvoker
}

func NewAgentExecutor(invoker AgentInvoker) *agentExecutor {
	return &agentExecutor{
		invoker: invoker,
	}
}

func (ae *agentExecutor) Name() string {
	return "agent"
}

func (ae *agentExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	logger.Info("running agent step", zap.String("workflow", req.WorkflowName), zap.String("id", req.ExecutionId), zap.String("node", req.Node.Id))
	output, err := ae.invoker.Invoke(ctx, req.Node.Name, req.IdempotencyKey, req.Params)
	if err != nil {
		if _, ok := AsExecutorError(err); ok {
			return Result{}, err
		}
		return Result{}, ExecutorError{Code: ERROR_CODE_INVOCATION, Message: err.Error(), Retryable: true}
	}
	return Result{Status: RESULT_COMPLETED, Output: output}, nil
}
