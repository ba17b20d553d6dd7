package model

import "time"

type ExecutionStatus string

const EXECUTION_PENDING ExecutionStatus = "PENDING"
const EXECUTION_RUNNING ExecutionStatus = "RUNNING"
const EXECUTION_COMPLETED ExecutionStatus = "COMPLETED"
const EXECUTION_FAILED ExecutionStatus = "FAILED"
const EXECUTION_CANCELLED ExecutionStatus = "CANCELLED"

func (s ExecutionStatus) Terminal() bool {
	return s == EXECUTION_COMPLETED || s == EXECUTION_FAILED || s == EXECUTION_CANCELLED
}

type TriggerType string

const TRIGGER_MANUAL TriggerType = "MANUAL"
const TRIGGER_SCHEDULED TriggerType = "SCHEDULED"
const TRIGGER_WEBHOOK TriggerType = "WEBHOOK"

type Trigger struct {
	Type   TriggerType `json:"type"`
	Source string      `json:"source,omitempty"`
	At     time.Time   `json:"at"`
}

const ERROR_CODE_COMPILATION string = "COMPILATION"
const ERROR_CODE_VALIDATION string = "VALIDATION"
const ERROR_CODE_EXECUTOR string = "EXECUTOR"
const ERROR_CODE_TIMEOUT string = "TIMEOUT"
const ERROR_CODE_CANCELLED string = "CANCELLED"
const ERROR_CODE_REJECTED string = "REJECTED"

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// RESERVED_FAILURE_KEY is the variable under which continue-on-failure nodes
// record their error before successors are dispatched. The value is a map of
// node id to error detail.
const RESERVED_FAILURE_KEY string = "_failed"

// WorkflowExecution is one run of a workflow version. Mutated only by the
// coordinator; never deleted, only archived.
type WorkflowExecution struct {
	Id              string          `json:"id"`
	WorkflowName    string          `json:"workflowName"`
	WorkflowVersion int             `json:"workflowVersion"`
	Status          ExecutionStatus `json:"status"`
	Variables       map[string]any  `json:"variables"`
	Trigger         Trigger         `json:"trigger"`
	StartedAt       time.Time       `json:"startedAt"`
	EndedAt         *time.Time      `json:"endedAt,omitempty"`
	Error           *ErrorDetail    `json:"error,omitempty"`
	Archived        bool            `json:"archived,omitempty"`
}

// ExecutionDetail is the query-API view of a run: the execution, its step
// records and progress as completed steps over total reachable steps.
type ExecutionDetail struct {
	Execution WorkflowExecution `json:"execution"`
	Steps     []WorkflowStep    `json:"steps"`
	Progress  float64           `json:"progress"`
}
