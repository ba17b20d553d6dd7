package executor

import (
	"context"

	"github.com/conveyorhq/conveyor/logger"
	"go.uber.org/zap"
)

// OPERATION_PARAM names the task operation inside a mutation node's
// parameters.
const OPERATION_PARAM string = "operation"

var _ Executor = new(taskMutationExecutor)

type taskMutationExecutor struct {
	tasks TaskService
}

func NewTaskMutationExecutor(tasks TaskService) *taskMutationExecutor {
	return &taskMutationExecutor{
		tasks: tasks,
	}
}

func (te *taskMutationExecutor) Name() string {
	return "task-mutation"
}

func (te *taskMutationExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	operation, _ := req.Params[OPERATION_PARAM].(string)
	if operation == "" {
		return Result{}, ExecutorError{Code: ERROR_CODE_INVOCATION, Message: "task mutation step needs an operation parameter", Retryable: false}
	}
	logger.Info("running task mutation", zap.String("workflow", req.WorkflowName), zap.String("id", req.ExecutionId), zap.String("node", req.Node.Id), zap.String("operation", operation))
	output, err := te.tasks.Mutate(ctx, operation, req.IdempotencyKey, req.Params)
	if err != nil {
		if _, ok := AsExecutorError(err); ok {
			return Result{}, err
		}
		return Result{}, ExecutorError{Code: ERROR_CODE_INVOCATION, Message: err.Error(), Retryable: true}
	}
	return Result{Status: RESULT_COMPLETED, Output: output}, nil
}
