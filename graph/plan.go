package graph

import (
	"github.com/conveyorhq/conveyor/model"
)

// CompiledPlan is the validated, execution-ready form of a workflow graph.
// Nodes live in a flat slice; predecessor and successor sets are index
// slices in edge declaration order, which makes the plan serializable and
// keeps join-merge order deterministic.
type CompiledPlan struct {
	WorkflowName    string            `json:"workflowName"`
	WorkflowVersion int               `json:"workflowVersion"`
	Nodes           []model.Node      `json:"nodes"`
	Index           map[string]int    `json:"index"`
	Predecessors    [][]int           `json:"predecessors"`
	Successors      [][]int           `json:"successors"`
	SuccessorLabels [][]string        `json:"successorLabels"`
	Entries         []int             `json:"entries"`
	Order           []int             `json:"order"`
	DefaultRetry    model.RetryPolicy `json:"defaultRetry"`
	DefaultTimeout  int               `json:"defaultTimeoutSeconds"`
}

// RetryPolicyFor merges a node's retry policy with the workflow default.
func (p *CompiledPlan) RetryPolicyFor(node model.Node) model.RetryPolicy {
	if node.Retry != nil {
		return node.Retry.Merge(p.DefaultRetry)
	}
	return model.RetryPolicy{}.Merge(p.DefaultRetry)
}

// TimeoutFor returns the effective timeout of a node in seconds, zero
// meaning no watchdog.
func (p *CompiledPlan) TimeoutFor(node model.Node) int {
	if node.TimeoutSeconds > 0 {
		return node.TimeoutSeconds
	}
	return p.DefaultTimeout
}

func (p *CompiledPlan) NodeCount() int {
	return len(p.Nodes)
}

func (p *CompiledPlan) NodeById(id string) (model.Node, bool) {
	idx, ok := p.Index[id]
	if !ok {
		return model.Node{}, false
	}
	return p.Nodes[idx], true
}

func (p *CompiledPlan) InDegree(id string) int {
	idx, ok := p.Index[id]
	if !ok {
		return 0
	}
	return len(p.Predecessors[idx])
}

// EntryNodes returns the nodes with no incoming edges, eligible for dispatch
// at execution start.
func (p *CompiledPlan) EntryNodes() []model.Node {
	nodes := make([]model.Node, 0, len(p.Entries))
	for _, idx := range p.Entries {
		nodes = append(nodes, p.Nodes[idx])
	}
	return nodes
}

// PredecessorIds returns predecessor node ids in edge declaration order,
// the merge order for join snapshots.
func (p *CompiledPlan) PredecessorIds(id string) []string {
	idx, ok := p.Index[id]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(p.Predecessors[idx]))
	for _, pred := range p.Predecessors[idx] {
		ids = append(ids, p.Nodes[pred].Id)
	}
	return ids
}

// Successor describes one outgoing edge of a node.
type Successor struct {
	Node  model.Node
	Label string
}

func (p *CompiledPlan) SuccessorsOf(id string) []Successor {
	idx, ok := p.Index[id]
	if !ok {
		return nil
	}
	out := make([]Successor, 0, len(p.Successors[idx]))
	for i, succ := range p.Successors[idx] {
		out = append(out, Successor{
			Node:  p.Nodes[succ],
			Label: p.SuccessorLabels[idx][i],
		})
	}
	return out
}

// Terminal reports whether the node has no outgoing edges.
func (p *CompiledPlan) Terminal(id string) bool {
	idx, ok := p.Index[id]
	if !ok {
		return false
	}
	return len(p.Successors[idx]) == 0
}
