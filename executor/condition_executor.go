package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/conveyorhq/conveyor/logger"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var _ Executor = new(conditionExecutor)

type conditionExecutor struct {
}

func NewConditionExecutor() *conditionExecutor {
	return &conditionExecutor{}
}

func (ce *conditionExecutor) Name() string {
	return "condition"
}

// Execute evaluates the node expression against the snapshot bound to `$`.
// A boolean result routes on "true"/"false", a string or number routes on
// its literal label.
func (ce *conditionExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	logger.Info("running condition", zap.String("workflow", req.WorkflowName), zap.String("id", req.ExecutionId), zap.String("node", req.Node.Id))
	data, err := json.Marshal(req.Snapshot)
	if err != nil {
		return Result{}, ExecutorError{Code: ERROR_CODE_EXPRESSION, Message: err.Error(), Retryable: false}
	}
	script := fmt.Sprintf("var $ = %s;\n%s", data, req.Node.Expression)
	vm := goja.New()
	val, err := vm.RunString(script)
	if err != nil {
		return Result{}, ExecutorError{Code: ERROR_CODE_EXPRESSION, Message: fmt.Sprintf("error evaluating expression: %v", err), Retryable: false}
	}
	label, err := routeLabel(val.Export())
	if err != nil {
		return Result{}, ExecutorError{Code: ERROR_CODE_EXPRESSION, Message: err.Error(), Retryable: false}
	}
	return Result{
		Status:      RESULT_COMPLETED,
		Output:      map[string]any{"route": label},
		ActiveEdges: []string{label},
	}, nil
}

func routeLabel(value any) (string, error) {
	switch v := value.(type) {
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.Itoa(int(v)), nil
	}
	return "", fmt.Errorf("expression produced %T, want bool, string or number", value)
}
