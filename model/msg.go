package model

import "time"

// StepDispatch is the job-queue message that schedules one node attempt.
// It carries a reference to the stored snapshot, never the snapshot itself.
type StepDispatch struct {
	ExecutionId     string `json:"executionId"`
	WorkflowName    string `json:"workflowName"`
	WorkflowVersion int    `json:"workflowVersion"`
	NodeId          string `json:"nodeId"`
	Attempt         int    `json:"attempt"`
	SnapshotRef     string `json:"snapshotRef"`
}

// StepCompletion is the message a worker enqueues when a node attempt
// finishes, fails, suspends or defers. The coordinator consumes these to
// advance the run.
type StepCompletion struct {
	ExecutionId string         `json:"executionId"`
	NodeId      string         `json:"nodeId"`
	Attempt     int            `json:"attempt"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *ErrorDetail   `json:"error,omitempty"`
	Retryable   bool           `json:"retryable,omitempty"`
	ActiveEdges []string       `json:"activeEdges,omitempty"`
	Suspended   bool           `json:"suspended,omitempty"`
	ResumeAt    *time.Time     `json:"resumeAt,omitempty"`
}

// StepTimeout is the watchdog record armed at dispatch time. Firing for a
// step still running the same attempt is treated as an executor failure.
type StepTimeout struct {
	ExecutionId string `json:"executionId"`
	NodeId      string `json:"nodeId"`
	Attempt     int    `json:"attempt"`
}

type ExecutionRequest struct {
	WorkflowName string         `json:"workflowName"`
	Version      int            `json:"version,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Trigger      Trigger        `json:"trigger,omitempty"`
}

type ApprovalDecision struct {
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// ExternalEvent resumes a waiting step from outside the engine. Approval
// decisions are the common case; any suspended step can be resumed this way.
type ExternalEvent struct {
	ExecutionId string         `json:"executionId"`
	NodeId      string         `json:"nodeId"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload,omitempty"`
}
