package model

import (
	"fmt"
	"math"
	"time"
)

type NodeType string

const NODE_TYPE_AGENT NodeType = "AGENT"
const NODE_TYPE_TASK_MUTATION NodeType = "TASK_MUTATION"
const NODE_TYPE_CONDITION NodeType = "CONDITION"
const NODE_TYPE_APPROVAL NodeType = "APPROVAL"
const NODE_TYPE_INTEGRATION NodeType = "INTEGRATION"
const NODE_TYPE_DELAY NodeType = "DELAY"
const NODE_TYPE_MERGE NodeType = "MERGE"

func ValidNodeType(t NodeType) bool {
	switch t {
	case NODE_TYPE_AGENT, NODE_TYPE_TASK_MUTATION, NODE_TYPE_CONDITION,
		NODE_TYPE_APPROVAL, NODE_TYPE_INTEGRATION, NODE_TYPE_DELAY, NODE_TYPE_MERGE:
		return true
	}
	return false
}

type JoinPolicy string

const JOIN_ALL JoinPolicy = "ALL"
const JOIN_ANY JoinPolicy = "ANY"

// DEFAULT_EDGE is the label of an unconditional edge. Condition nodes route
// on labels; every other node activates its default-labelled edges.
const DEFAULT_EDGE string = "default"

// Workflow is the published definition of a step graph. Definitions are
// immutable once published; structural edits produce a new version.
type Workflow struct {
	Name                  string         `json:"name"`
	Version               int            `json:"version"`
	Published             bool           `json:"published"`
	Nodes                 []Node         `json:"nodes"`
	Edges                 []Edge         `json:"edges"`
	DefaultRetry          RetryPolicy    `json:"defaultRetry"`
	DefaultTimeoutSeconds int            `json:"defaultTimeoutSeconds"`
	Variables             VariableSchema `json:"variables,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// WorkflowSummary is the listing view of a stored definition version.
type WorkflowSummary struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Published bool      `json:"published"`
	NodeCount int       `json:"nodeCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type Node struct {
	Id                string         `json:"id"`
	Type              NodeType       `json:"type"`
	Name              string         `json:"name"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Expression        string         `json:"expression,omitempty"`
	Connector         string         `json:"connector,omitempty"`
	DelaySeconds      int            `json:"delaySeconds,omitempty"`
	Retry             *RetryPolicy   `json:"retry,omitempty"`
	TimeoutSeconds    int            `json:"timeoutSeconds,omitempty"`
	ContinueOnFailure bool           `json:"continueOnFailure,omitempty"`
	Join              JoinPolicy     `json:"join,omitempty"`
}

func (n Node) JoinPolicy() JoinPolicy {
	if n.Join == JOIN_ANY {
		return JOIN_ANY
	}
	return JOIN_ALL
}

// Edge is a directed dependency between two nodes. Declaration order in the
// workflow is the merge order at join nodes.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

func (e Edge) EdgeLabel() string {
	if e.Label == "" {
		return DEFAULT_EDGE
	}
	return e.Label
}

type RetryPolicy struct {
	MaxAttempts            int     `json:"maxAttempts"`
	InitialIntervalSeconds int     `json:"initialIntervalSeconds"`
	Multiplier             float64 `json:"multiplier"`
	MaxIntervalSeconds     int     `json:"maxIntervalSeconds"`
}

// Backoff returns the delay before the given retry attempt. Attempt 1 is the
// first retry after the initial failure: initial * multiplier^(attempt-1),
// capped at the max interval.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	interval := float64(p.InitialIntervalSeconds) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxIntervalSeconds > 0 && interval > float64(p.MaxIntervalSeconds) {
		interval = float64(p.MaxIntervalSeconds)
	}
	return time.Duration(interval * float64(time.Second))
}

// Merge fills the zero fields of a node-level policy from the workflow
// default.
func (p RetryPolicy) Merge(def RetryPolicy) RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 1
	}
	if out.InitialIntervalSeconds <= 0 {
		out.InitialIntervalSeconds = def.InitialIntervalSeconds
	}
	if out.Multiplier <= 0 {
		out.Multiplier = def.Multiplier
	}
	if out.MaxIntervalSeconds <= 0 {
		out.MaxIntervalSeconds = def.MaxIntervalSeconds
	}
	return out
}

type VariableType string

const VARIABLE_TYPE_STRING VariableType = "STRING"
const VARIABLE_TYPE_NUMBER VariableType = "NUMBER"
const VARIABLE_TYPE_BOOL VariableType = "BOOL"
const VARIABLE_TYPE_OBJECT VariableType = "OBJECT"
const VARIABLE_TYPE_ARRAY VariableType = "ARRAY"
const VARIABLE_TYPE_ANY VariableType = "ANY"

type VariableSpec struct {
	Type     VariableType `json:"type"`
	Required bool         `json:"required"`
}

type VariableSchema map[string]VariableSpec

// Validate checks trigger input against the schema. Unknown keys pass
// through untouched; only declared variables are checked.
func (s VariableSchema) Validate(input map[string]any) error {
	for name, spec := range s {
		value, ok := input[name]
		if !ok {
			if spec.Required {
				return fmt.Errorf("required variable %q missing from input", name)
			}
			continue
		}
		if !spec.Type.matches(value) {
			return fmt.Errorf("variable %q is not of type %s", name, spec.Type)
		}
	}
	return nil
}

func (t VariableType) matches(value any) bool {
	switch t {
	case VARIABLE_TYPE_STRING:
		_, ok := value.(string)
		return ok
	case VARIABLE_TYPE_NUMBER:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case VARIABLE_TYPE_BOOL:
		_, ok := value.(bool)
		return ok
	case VARIABLE_TYPE_OBJECT:
		_, ok := value.(map[string]any)
		return ok
	case VARIABLE_TYPE_ARRAY:
		_, ok := value.([]any)
		return ok
	}
	return true
}
