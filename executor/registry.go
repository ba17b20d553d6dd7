package executor

import (
	"fmt"

	"github.com/conveyorhq/conveyor/model"
)

// Registry maps node types to executors. It is populated once at startup
// and read-only afterwards.
type Registry struct {
	executors map[model.NodeType]Executor
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[model.NodeType]Executor),
	}
}

// NewDefaultRegistry wires the built-in executors around the injected
// collaborators.
func NewDefaultRegistry(invoker AgentInvoker, tasks TaskService, connectors ConnectorRegistry) *Registry {
	r := NewRegistry()
	r.Register(model.NODE_TYPE_AGENT, NewAgentExecutor(invoker))
	r.Register(model.NODE_TYPE_TASK_MUTATION, NewTaskMutationExecutor(tasks))
	r.Register(model.NODE_TYPE_CONDITION, NewConditionExecutor())
	r.Register(model.NODE_TYPE_APPROVAL, NewApprovalExecutor())
	r.Register(model.NODE_TYPE_INTEGRATION, NewIntegrationExecutor(connectors))
	r.Register(model.NODE_TYPE_DELAY, NewDelayExecutor())
	r.Register(model.NODE_TYPE_MERGE, NewMergeExecutor())
	return r
}

func (r *Registry) Register(nodeType model.NodeType, ex Executor) {
	r.executors[nodeType] = ex
}

func (r *Registry) Get(nodeType model.NodeType) (Executor, error) {
	ex, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("no executor registered for node type %s", nodeType)
	}
	return ex, nil
}
