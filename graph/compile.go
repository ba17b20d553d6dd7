package graph

import (
	"fmt"
	"strings"

	"github.com/conveyorhq/conveyor/model"
)

const REASON_EMPTY_WORKFLOW string = "EMPTY_WORKFLOW"
const REASON_DUPLICATE_NODE string = "DUPLICATE_NODE"
const REASON_INVALID_NODE string = "INVALID_NODE"
const REASON_DANGLING_EDGE string = "DANGLING_EDGE"
const REASON_SELF_EDGE string = "SELF_EDGE"
const REASON_DUPLICATE_EDGE string = "DUPLICATE_EDGE"
const REASON_NO_ENTRY string = "NO_ENTRY"
const REASON_CYCLE string = "CYCLE"

// CompilationError rejects a workflow definition before any execution state
// is created. Cycle carries the closed offending path when Reason is CYCLE.
type CompilationError struct {
	Reason  string   `json:"reason"`
	Message string   `json:"message"`
	Cycle   []string `json:"cycle,omitempty"`
}

func (e *CompilationError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("workflow compilation failed: %s: %s", e.Reason, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("workflow compilation failed: %s: %s", e.Reason, e.Message)
}

// node traversal colors, white = unvisited, grey = on the current path,
// black = fully explored
const colorWhite int = 0
const colorGrey int = 1
const colorBlack int = 2

// Compile validates a workflow definition and produces its execution plan.
// Checks run in order, node identity, per-node shape, edge endpoints, entry
// existence, acyclicity. The first violation aborts compilation.
func Compile(wf *model.Workflow) (*CompiledPlan, error) {
	if len(wf.Nodes) == 0 {
		return nil, &CompilationError{Reason: REASON_EMPTY_WORKFLOW, Message: "workflow has no nodes"}
	}
	index := make(map[string]int, len(wf.Nodes))
	for i, node := range wf.Nodes {
		if node.Id == "" {
			return nil, &CompilationError{Reason: REASON_INVALID_NODE, Message: fmt.Sprintf("node at position %d has empty id", i)}
		}
		if _, ok := index[node.Id]; ok {
			return nil, &CompilationError{Reason: REASON_DUPLICATE_NODE, Message: fmt.Sprintf("node id %s declared more than once", node.Id)}
		}
		if err := validateNode(node); err != nil {
			return nil, err
		}
		index[node.Id] = i
	}

	preds := make([][]int, len(wf.Nodes))
	succs := make([][]int, len(wf.Nodes))
	labels := make([][]string, len(wf.Nodes))
	seenEdges := make(map[string]bool, len(wf.Edges))
	for _, edge := range wf.Edges {
		from, ok := index[edge.From]
		if !ok {
			return nil, &CompilationError{Reason: REASON_DANGLING_EDGE, Message: fmt.Sprintf("edge references unknown node %s", edge.From)}
		}
		to, ok := index[edge.To]
		if !ok {
			return nil, &CompilationError{Reason: REASON_DANGLING_EDGE, Message: fmt.Sprintf("edge references unknown node %s", edge.To)}
		}
		if from == to {
			return nil, &CompilationError{Reason: REASON_SELF_EDGE, Message: fmt.Sprintf("node %s has an edge to itself", edge.From)}
		}
		key := edge.From + "\x00" + edge.To
		if seenEdges[key] {
			return nil, &CompilationError{Reason: REASON_DUPLICATE_EDGE, Message: fmt.Sprintf("duplicate edge %s -> %s", edge.From, edge.To)}
		}
		seenEdges[key] = true
		succs[from] = append(succs[from], to)
		labels[from] = append(labels[from], edge.EdgeLabel())
		preds[to] = append(preds[to], from)
	}

	entries := make([]int, 0)
	for i := range wf.Nodes {
		if len(preds[i]) == 0 {
			entries = append(entries, i)
		}
	}
	if len(entries) == 0 {
		return nil, &CompilationError{Reason: REASON_NO_ENTRY, Message: "workflow has no entry node, every node has an incoming edge"}
	}

	order, err := sortNodes(wf, succs)
	if err != nil {
		return nil, err
	}

	return &CompiledPlan{
		WorkflowName:    wf.Name,
		WorkflowVersion: wf.Version,
		Nodes:           wf.Nodes,
		Index:           index,
		Predecessors:    preds,
		Successors:      succs,
		SuccessorLabels: labels,
		Entries:         entries,
		Order:           order,
		DefaultRetry:    wf.DefaultRetry,
		DefaultTimeout:  wf.DefaultTimeoutSeconds,
	}, nil
}

func validateNode(node model.Node) error {
	if !model.ValidNodeType(node.Type) {
		return &CompilationError{Reason: REASON_INVALID_NODE, Message: fmt.Sprintf("node %s has unknown type %s", node.Id, node.Type)}
	}
	switch node.Type {
	case model.NODE_TYPE_CONDITION:
		if node.Expression == "" {
			return &CompilationError{Reason: REASON_INVALID_NODE, Message: fmt.Sprintf("condition node %s has no expression", node.Id)}
		}
	case model.NODE_TYPE_DELAY:
		if node.DelaySeconds <= 0 {
			return &CompilationError{Reason: REASON_INVALID_NODE, Message: fmt.Sprintf("delay node %s must have a positive delay", node.Id)}
		}
	case model.NODE_TYPE_INTEGRATION:
		if node.Connector == "" {
			return &CompilationError{Reason: REASON_INVALID_NODE, Message: fmt.Sprintf("integration node %s has no connector", node.Id)}
		}
	}
	if node.Retry != nil && node.Retry.MaxAttempts < 1 {
		return &CompilationError{Reason: REASON_INVALID_NODE, Message: fmt.Sprintf("node %s retry policy must allow at least one attempt", node.Id)}
	}
	return nil
}

// sortNodes runs a depth first traversal over every component and returns
// nodes in topological order. A grey successor means the current path loops
// back on itself, the slice of path nodes from that successor onward is the
// cycle.
func sortNodes(wf *model.Workflow, succs [][]int) ([]int, error) {
	color := make([]int, len(wf.Nodes))
	order := make([]int, 0, len(wf.Nodes))
	path := make([]int, 0, len(wf.Nodes))

	var visit func(u int) *CompilationError
	visit = func(u int) *CompilationError {
		color[u] = colorGrey
		path = append(path, u)
		for _, v := range succs[u] {
			if color[v] == colorGrey {
				return cycleError(wf, path, v)
			}
			if color[v] == colorWhite {
				if err := visit(v); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[u] = colorBlack
		order = append(order, u)
		return nil
	}

	for i := range wf.Nodes {
		if color[i] != colorWhite {
			continue
		}
		if err := visit(i); err != nil {
			return nil, err
		}
	}

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

func cycleError(wf *model.Workflow, path []int, target int) *CompilationError {
	start := 0
	for i, n := range path {
		if n == target {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(path)-start+1)
	for _, n := range path[start:] {
		cycle = append(cycle, wf.Nodes[n].Id)
	}
	cycle = append(cycle, wf.Nodes[target].Id)
	return &CompilationError{
		Reason:  REASON_CYCLE,
		Message: "workflow graph contains a cycle",
		Cycle:   cycle,
	}
}
