package persistence

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/model"
)

// MetadataStorage holds workflow definitions. Definitions are immutable per
// (name, version) pair, versioning and publish flow live in the metadata
// service on top.
type MetadataStorage interface {
	SaveWorkflowDefinition(ctx context.Context, wf model.Workflow) error
	GetWorkflowDefinition(ctx context.Context, name string, version int) (*model.Workflow, error)
	GetLatestWorkflowDefinition(ctx context.Context, name string) (*model.Workflow, error)
	ListWorkflowDefinitions(ctx context.Context) ([]model.WorkflowSummary, error)
	ListWorkflowVersions(ctx context.Context, name string) ([]model.WorkflowSummary, error)
	DeleteWorkflowDefinition(ctx context.Context, name string, version int) error
}

// ScheduledDispatch re-enqueues a step at a future instant, the retry lane.
type ScheduledDispatch struct {
	Dispatch model.StepDispatch `json:"dispatch"`
	At       time.Time          `json:"at"`
}

// ScheduledCompletion fires a pre-built completion at a future instant,
// the delay node lane.
type ScheduledCompletion struct {
	Completion model.StepCompletion `json:"completion"`
	At         time.Time            `json:"at"`
}

// ScheduledTimeout fails a still running attempt at its deadline unless the
// attempt finished first.
type ScheduledTimeout struct {
	Timeout model.StepTimeout `json:"timeout"`
	At      time.Time         `json:"at"`
}

// TransitionSet is one atomic state transition of an execution, step record
// writes, the variable snapshot they produced and every queue entry the
// transition schedules. Backends apply the whole set or none of it.
type TransitionSet struct {
	ExecutionId string
	Steps       []*model.WorkflowStep
	Variables   map[string]any
	Dispatches  []model.StepDispatch
	Retries     []ScheduledDispatch
	Resumes     []ScheduledCompletion
	Timeouts    []ScheduledTimeout
}

// ExecutionStorage holds all live execution state, execution and step
// records, variable snapshots and join counters. Conditional updates are the
// concurrency control, there are no locks above this interface.
type ExecutionStorage interface {
	// CreateExecution persists a new execution with its join counters and
	// initial variable snapshot. Fails if the execution id already exists.
	CreateExecution(ctx context.Context, execution *model.WorkflowExecution, counters map[string]int, variables map[string]any) (string, error)

	GetExecution(ctx context.Context, executionId string) (*model.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowName string, status model.ExecutionStatus, limit int) ([]*model.WorkflowExecution, error)

	// UpdateExecutionStatus moves an execution from one of the given states
	// to the target state. Returns false without error when the current
	// status is not in from, which makes terminal transitions single winner
	// under concurrent advance.
	UpdateExecutionStatus(ctx context.Context, executionId string, from []model.ExecutionStatus, to model.ExecutionStatus, errDetail *model.ErrorDetail) (bool, error)

	MarkExecutionArchived(ctx context.Context, executionId string) error

	GetStep(ctx context.Context, executionId string, nodeId string) (*model.WorkflowStep, error)
	ListSteps(ctx context.Context, executionId string) ([]*model.WorkflowStep, error)
	SaveStep(ctx context.Context, step *model.WorkflowStep) error

	// ClaimStepCompletion records that the attempt's completion has been
	// applied. The first caller per (execution, node, attempt) gets true,
	// replays get false. This is the dedup gate for at least once delivery.
	ClaimStepCompletion(ctx context.Context, executionId string, nodeId string, attempt int) (bool, error)

	// DecrementJoinCounter atomically decrements the remaining predecessor
	// count of a join node and returns the value after the decrement. The
	// caller that observes zero owns the join transition.
	DecrementJoinCounter(ctx context.Context, executionId string, nodeId string) (int, error)

	// Apply writes a TransitionSet atomically.
	Apply(ctx context.Context, transition *TransitionSet) error

	GetVariables(ctx context.Context, executionId string) (map[string]any, error)
	// GetSnapshot loads a variable snapshot by its content ref.
	GetSnapshot(ctx context.Context, ref string) (map[string]any, error)
}

// QueueStorage is the at least once delivery substrate. Polled entries stay
// in the backing queue until acked, a consumer crash before ack redelivers.
type QueueStorage interface {
	PollDispatches(ctx context.Context, partition int, batchSize int) ([]model.StepDispatch, error)
	AckDispatches(ctx context.Context, partition int, dispatches []model.StepDispatch) error

	// PollRetries drains the due entries of the retry lane.
	PollRetries(ctx context.Context, partition int) ([]model.StepDispatch, error)
	// PollResumes drains the due entries of the delayed completion lane.
	PollResumes(ctx context.Context, partition int) ([]model.StepCompletion, error)
	// PollTimeouts drains the expired timeout entries.
	PollTimeouts(ctx context.Context, partition int) ([]model.StepTimeout, error)

	Partitions() int
}

// AuditStorage persists the execution event trail.
type AuditStorage interface {
	AppendEvent(ctx context.Context, event model.ExecutionEvent) error
	ListEvents(ctx context.Context, executionId string) ([]model.ExecutionEvent, error)
}
