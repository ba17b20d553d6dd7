package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/model"
)

type ResultStatus string

const RESULT_COMPLETED ResultStatus = "COMPLETED"
const RESULT_SUSPENDED ResultStatus = "SUSPENDED"
const RESULT_DEFERRED ResultStatus = "DEFERRED"

const ERROR_CODE_INVOCATION string = "INVOCATION"
const ERROR_CODE_EXPRESSION string = "EXPRESSION"
const ERROR_CODE_CONNECTOR string = "CONNECTOR"
const ERROR_CODE_TIMEOUT string = "TIMEOUT"

// Request is one attempt of one step. Params are already resolved against
// the snapshot; Snapshot is the raw variable view the dispatch was pinned to.
// IdempotencyKey is stable across redeliveries of the same attempt.
type Request struct {
	ExecutionId    string
	WorkflowName   string
	Node           model.Node
	Attempt        int
	Params         map[string]any
	Snapshot       map[string]any
	IdempotencyKey string
}

// Result reports what became of the attempt. A COMPLETED result carries the
// step output and, for routing nodes, the labels of the edges it activated.
// SUSPENDED parks the step until an external decision arrives; DEFERRED
// parks it until ResumeAt.
type Result struct {
	Status      ResultStatus
	Output      map[string]any
	ActiveEdges []string
	ResumeAt    *time.Time
}

type ExecutorError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e ExecutorError) Error() string {
	return fmt.Sprintf("executor error %s: %s", e.Code, e.Message)
}

// AsExecutorError unwraps err to a typed executor error if there is one.
func AsExecutorError(err error) (ExecutorError, bool) {
	var ee ExecutorError
	if errors.As(err, &ee) {
		return ee, true
	}
	return ExecutorError{}, false
}

// IsRetryable reports whether a failed attempt should count against the
// retry policy. Unknown errors are treated as transient.
func IsRetryable(err error) bool {
	if ee, ok := AsExecutorError(err); ok {
		return ee.Retryable
	}
	return true
}

type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// AgentInvoker hands an agent step to whatever runs agents. Implementations
// must be idempotent or deduplicate on the idempotency key, the engine
// redelivers attempts.
type AgentInvoker interface {
	Invoke(ctx context.Context, agent string, idempotencyKey string, params map[string]any) (map[string]any, error)
}

// TaskService applies task mutations to the external task store.
type TaskService interface {
	Mutate(ctx context.Context, operation string, idempotencyKey string, params map[string]any) (map[string]any, error)
}

type Connector interface {
	Name() string
	Invoke(ctx context.Context, idempotencyKey string, params map[string]any) (map[string]any, error)
}

type ConnectorRegistry interface {
	Get(name string) (Connector, error)
}
