package model

import "time"

type StepStatus string

const STEP_PENDING StepStatus = "PENDING"
const STEP_RUNNING StepStatus = "RUNNING"
const STEP_SUCCEEDED StepStatus = "SUCCEEDED"
const STEP_FAILED StepStatus = "FAILED"
const STEP_SKIPPED StepStatus = "SKIPPED"

func (s StepStatus) Terminal() bool {
	return s == STEP_SUCCEEDED || s == STEP_FAILED || s == STEP_SKIPPED
}

// WorkflowStep records one node's execution within one run. Retries are
// attempts within the same step record; the record is immutable once
// terminal.
type WorkflowStep struct {
	ExecutionId string         `json:"executionId"`
	NodeId      string         `json:"nodeId"`
	NodeType    NodeType       `json:"nodeType"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"maxAttempts"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	ActiveEdges []string       `json:"activeEdges,omitempty"`
	Suspended   bool           `json:"suspended,omitempty"`
	ScheduledAt time.Time      `json:"scheduledAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
}
