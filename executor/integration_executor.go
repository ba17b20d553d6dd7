package executor

import (
	"context"

	"github.com/conveyorhq/conveyor/logger"
	"go.uber.org/zap"
)

var _ Executor = new(integrationExecutor)

type integrationExecutor struct {
	connectors ConnectorRegistry
}

func NewIntegrationExecutor(connectors ConnectorRegistry) *integrationExecutor {
	return &integrationExecutor{
		connectors: connectors,
	}
}

func (ie *integrationExecutor) Name() string {
	return "integration"
}

func (ie *integrationExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	connector, err := ie.connectors.Get(req.Node.Connector)
	if err != nil {
		return Result{}, ExecutorError{Code: ERROR_CODE_CONNECTOR, Message: err.Error(), Retryable: false}
	}
	logger.Info("running integration", zap.String("workflow", req.WorkflowName), zap.String("id", req.ExecutionId), zap.String("node", req.Node.Id), zap.String("connector", connector.Name()))
	output, err := connector.Invoke(ctx, req.IdempotencyKey, req.Params)
	if err != nil {
		if _, ok := AsExecutorError(err); ok {
			return Result{}, err
		}
		return Result{}, ExecutorError{Code: ERROR_CODE_INVOCATION, Message: err.Error(), Retryable: true}
	}
	return Result{Status: RESULT_COMPLETED, Output: output}, nil
}
