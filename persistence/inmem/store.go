package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
)

var _ persistence.ExecutionStorage = new(Store)
var _ persistence.QueueStorage = new(Store)
var _ persistence.MetadataStorage = new(Store)
var _ persistence.AuditStorage = new(Store)

// Store keeps the whole engine state in process memory. It backs single
// node deployments and the test suite. One mutex guards every map, which
// makes Apply trivially atomic.
type Store struct {
	mu         sync.Mutex
	partitions int
	codec      util.EncoderDecoder[map[string]any]
	wheel      *timingwheel.TimingWheel

	executions map[string]model.WorkflowExecution
	steps      map[string]map[string]model.WorkflowStep
	counters   map[string]map[string]int
	claims     map[string]bool
	currentRef map[string]string
	snapshots  map[string][]byte

	ready    [][]model.StepDispatch
	retries  *delayedLane[model.StepDispatch]
	resumes  *delayedLane[model.StepCompletion]
	timeouts *delayedLane[model.StepTimeout]

	definitions map[string]map[int]model.Workflow
	events      map[string][]model.ExecutionEvent
}

func NewStore(partitions int, maxDelaySeconds int64) *Store {
	if partitions < 1 {
		partitions = 1
	}
	wheel := timingwheel.NewTimingWheel(time.Second, maxDelaySeconds)
	wheel.Start()
	return &Store{
		partitions:  partitions,
		codec:       util.NewJsonEncoderDecoder[map[string]any](),
		wheel:       wheel,
		executions:  make(map[string]model.WorkflowExecution),
		steps:       make(map[string]map[string]model.WorkflowStep),
		counters:    make(map[string]map[string]int),
		claims:      make(map[string]bool),
		currentRef:  make(map[string]string),
		snapshots:   make(map[string][]byte),
		ready:       make([][]model.StepDispatch, partitions),
		retries:     newDelayedLane[model.StepDispatch](wheel, partitions),
		resumes:     newDelayedLane[model.StepCompletion](wheel, partitions),
		timeouts:    newDelayedLane[model.StepTimeout](wheel, partitions),
		definitions: make(map[string]map[int]model.Workflow),
		events:      make(map[string][]model.ExecutionEvent),
	}
}

func (s *Store) Close() error {
	s.wheel.Stop()
	return nil
}

func claimKey(executionId string, nodeId string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", executionId, nodeId, attempt)
}

func (s *Store) CreateExecution(ctx context.Context, execution *model.WorkflowExecution, counters map[string]int, variables map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.Id]; ok {
		return "", persistence.StateConflictError{ExecutionId: execution.Id, Message: "execution already exists"}
	}
	ref, err := s.saveSnapshotLocked(execution.Id, variables)
	if err != nil {
		return "", err
	}
	s.executions[execution.Id] = *execution
	s.steps[execution.Id] = make(map[string]model.WorkflowStep)
	joined := make(map[string]int, len(counters))
	for node, remaining := range counters {
		joined[node] = remaining
	}
	s.counters[execution.Id] = joined
	return ref, nil
}

func (s *Store) GetExecution(ctx context.Context, executionId string) (*model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[executionId]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "execution", Key: executionId}
	}
	return &execution, nil
}

func (s *Store) ListExecutions(ctx context.Context, workflowName string, status model.ExecutionStatus, limit int) ([]*model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WorkflowExecution, 0)
	for _, execution := range s.executions {
		if workflowName != "" && execution.WorkflowName != workflowName {
			continue
		}
		if status != "" && execution.Status != status {
			continue
		}
		copied := execution
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, executionId string, from []model.ExecutionStatus, to model.ExecutionStatus, errDetail *model.ErrorDetail) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[executionId]
	if !ok {
		return false, persistence.NotFoundError{Kind: "execution", Key: executionId}
	}
	eligible := false
	for _, f := range from {
		if execution.Status == f {
			eligible = true
			break
		}
	}
	if !eligible {
		return false, nil
	}
	execution.Status = to
	execution.Error = errDetail
	if to.Terminal() {
		now := time.Now()
		execution.EndedAt = &now
	}
	s.executions[executionId] = execution
	return true, nil
}

func (s *Store) MarkExecutionArchived(ctx context.Context, executionId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[executionId]
	if !ok {
		return persistence.NotFoundError{Kind: "execution", Key: executionId}
	}
	execution.Archived = true
	s.executions[executionId] = execution
	return nil
}

func (s *Store) GetStep(ctx context.Context, executionId string, nodeId string) (*model.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[executionId][nodeId]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "step", Key: executionId + ":" + nodeId}
	}
	return &step, nil
}

func (s *Store) ListSteps(ctx context.Context, executionId string) ([]*model.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.WorkflowStep, 0, len(s.steps[executionId]))
	for _, step := range s.steps[executionId] {
		copied := step
		out = append(out, &copied)
	}
	return out, nil
}

func (s *Store) SaveStep(ctx context.Context, step *model.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveStepLocked(step)
	return nil
}

func (s *Store) saveStepLocked(step *model.WorkflowStep) {
	if s.steps[step.ExecutionId] == nil {
		s.steps[step.ExecutionId] = make(map[string]model.WorkflowStep)
	}
	s.steps[step.ExecutionId][step.NodeId] = *step
}

func (s *Store) ClaimStepCompletion(ctx context.Context, executionId string, nodeId string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(executionId, nodeId, attempt)
	if s.claims[key] {
		return false, nil
	}
	s.claims[key] = true
	return true, nil
}

func (s *Store) DecrementJoinCounter(ctx context.Context, executionId string, nodeId string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters, ok := s.counters[executionId]
	if !ok {
		return 0, persistence.NotFoundError{Kind: "counters", Key: executionId}
	}
	counters[nodeId]--
	return counters[nodeId], nil
}

func (s *Store) Apply(ctx context.Context, transition *persistence.TransitionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transition.Variables != nil {
		if _, err := s.saveSnapshotLocked(transition.ExecutionId, transition.Variables); err != nil {
			return err
		}
	}
	for _, step := range transition.Steps {
		s.saveStepLocked(step)
	}
	partition := util.Partition(transition.ExecutionId, s.partitions)
	s.ready[partition] = append(s.ready[partition], transition.Dispatches...)
	for _, retry := range transition.Retries {
		s.retries.schedule(partition, retry.Dispatch, retry.At)
	}
	for _, resume := range transition.Resumes {
		s.resumes.schedule(partition, resume.Completion, resume.At)
	}
	for _, timeout := range transition.Timeouts {
		s.timeouts.schedule(partition, timeout.Timeout, timeout.At)
	}
	return nil
}

func (s *Store) saveSnapshotLocked(executionId string, variables map[string]any) (string, error) {
	data, err := s.codec.Encode(variables)
	if err != nil {
		return "", err
	}
	ref := util.ContentRef(data)
	s.snapshots[ref] = data
	s.currentRef[executionId] = ref
	return ref, nil
}

func (s *Store) GetVariables(ctx context.Context, executionId string) (map[string]any, error) {
	s.mu.Lock()
	ref, ok := s.currentRef[executionId]
	s.mu.Unlock()
	if !ok {
		return nil, persistence.NotFoundError{Kind: "variables", Key: executionId}
	}
	return s.GetSnapshot(ctx, ref)
}

func (s *Store) GetSnapshot(ctx context.Context, ref string) (map[string]any, error) {
	s.mu.Lock()
	data, ok := s.snapshots[ref]
	s.mu.Unlock()
	if !ok {
		return nil, persistence.NotFoundError{Kind: "snapshot", Key: ref}
	}
	variables, err := s.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	return *variables, nil
}
