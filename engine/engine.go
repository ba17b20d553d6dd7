package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/event"
	"github.com/conveyorhq/conveyor/graph"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/metadata"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	"github.com/google/uuid"
	c "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Engine is the coordinator. It owns every execution state transition:
// starting runs, advancing them on step completions, retries, timeouts,
// suspension and cancellation. It never executes a node itself and never
// branches on node type, workers and the executor registry do that.
type Engine struct {
	metadataService metadata.MetadataService
	storage         persistence.ExecutionStorage
	emitter         event.Emitter
	terminalCache   *c.Cache
}

func NewEngine(metadataService metadata.MetadataService, storage persistence.ExecutionStorage, emitter event.Emitter) *Engine {
	return &Engine{
		metadataService: metadataService,
		storage:         storage,
		emitter:         emitter,
		terminalCache:   c.New(1*time.Hour, 10*time.Minute),
	}
}

// StartExecution validates the trigger input, creates the execution with its
// join counters and dispatches every entry node in one transition.
func (e *Engine) StartExecution(ctx context.Context, req model.ExecutionRequest) (string, error) {
	wf, err := e.metadataService.GetWorkflow(ctx, req.WorkflowName, req.Version)
	if err != nil {
		return "", err
	}
	plan, err := e.metadataService.GetPlan(ctx, req.WorkflowName, wf.Version)
	if err != nil {
		return "", err
	}
	if err := wf.Variables.Validate(req.Input); err != nil {
		return "", model.ErrorDetail{Code: model.ERROR_CODE_VALIDATION, Message: err.Error()}
	}

	executionId := uuid.NewString()
	variables := mergeVariables(nil, req.Input)
	trigger := req.Trigger
	if trigger.Type == "" {
		trigger.Type = model.TRIGGER_MANUAL
	}
	if trigger.At.IsZero() {
		trigger.At = time.Now()
	}
	execution := &model.WorkflowExecution{
		Id:              executionId,
		WorkflowName:    plan.WorkflowName,
		WorkflowVersion: plan.WorkflowVersion,
		Status:          model.EXECUTION_PENDING,
		Variables:       variables,
		Trigger:         trigger,
		StartedAt:       time.Now(),
	}
	counters := make(map[string]int)
	for _, node := range plan.Nodes {
		if d := plan.InDegree(node.Id); d > 0 {
			counters[node.Id] = d
		}
	}
	if _, err := e.storage.CreateExecution(ctx, execution, counters, variables); err != nil {
		return "", err
	}

	t := newTransition(executionId, variables)
	for _, node := range plan.EntryNodes() {
		e.stageDispatch(t, plan, node, 1)
	}
	t.events = append(t.events, event.New(executionId, "", model.EVENT_EXECUTION_STARTED, map[string]any{
		"workflow": plan.WorkflowName,
		"version":  plan.WorkflowVersion,
	}))
	if err := e.apply(ctx, t); err != nil {
		return "", err
	}
	if _, err := e.storage.UpdateExecutionStatus(ctx, executionId, []model.ExecutionStatus{model.EXECUTION_PENDING}, model.EXECUTION_RUNNING, nil); err != nil {
		logger.Error("failed to mark execution running", zap.String("executionId", executionId), zap.Error(err))
	}
	logger.Info("execution started", zap.String("workflow", plan.WorkflowName), zap.String("executionId", executionId))
	return executionId, nil
}

// Cancel moves a live execution to CANCELLED. In-flight steps finish and
// record their results; nothing new dispatches afterwards.
func (e *Engine) Cancel(ctx context.Context, executionId string) error {
	detail := &model.ErrorDetail{Code: model.ERROR_CODE_CANCELLED, Message: "cancelled by request"}
	applied, err := e.storage.UpdateExecutionStatus(ctx, executionId,
		[]model.ExecutionStatus{model.EXECUTION_PENDING, model.EXECUTION_RUNNING}, model.EXECUTION_CANCELLED, detail)
	if err != nil {
		return err
	}
	if !applied {
		return persistence.StateConflictError{ExecutionId: executionId, Message: "execution already finished"}
	}
	e.cacheTerminal(executionId, model.EXECUTION_CANCELLED)
	execution, err := e.storage.GetExecution(ctx, executionId)
	workflow := ""
	if err == nil {
		workflow = execution.WorkflowName
	}
	e.emitter.Emit(event.New(executionId, "", model.EVENT_EXECUTION_CANCELLED, map[string]any{"workflow": workflow}))
	logger.Info("execution cancelled", zap.String("executionId", executionId))
	return nil
}

// IsTerminal is the pre-dispatch check workers run so cancelled or finished
// executions stop consuming work without a storage read on the hot path.
func (e *Engine) IsTerminal(ctx context.Context, executionId string) bool {
	if _, ok := e.terminalCache.Get(executionId); ok {
		return true
	}
	execution, err := e.storage.GetExecution(ctx, executionId)
	if err != nil {
		return false
	}
	if execution.Status.Terminal() {
		e.cacheTerminal(executionId, execution.Status)
		return true
	}
	return false
}

func (e *Engine) cacheTerminal(executionId string, status model.ExecutionStatus) {
	e.terminalCache.Set(executionId, status, c.DefaultExpiration)
}

// transition accumulates one atomic state change plus the events to emit
// once it lands. Dispatch snapshot refs are patched in at apply time so the
// whole transition pins a single variable snapshot.
type transition struct {
	set       *persistence.TransitionSet
	variables map[string]any
	dirty     bool
	events    []model.ExecutionEvent
}

func newTransition(executionId string, variables map[string]any) *transition {
	return &transition{
		set:       &persistence.TransitionSet{ExecutionId: executionId},
		variables: variables,
	}
}

// step returns a staged step record, staged writes shadow storage inside
// one transition.
func (t *transition) step(nodeId string) *model.WorkflowStep {
	for _, s := range t.set.Steps {
		if s.NodeId == nodeId {
			return s
		}
	}
	return nil
}

func (t *transition) mergeOutput(output map[string]any) {
	if len(output) == 0 {
		return
	}
	t.variables = mergeVariables(t.variables, output)
	t.dirty = true
}

func (e *Engine) apply(ctx context.Context, t *transition) error {
	ref, err := util.SnapshotRef(t.variables)
	if err != nil {
		return err
	}
	for i := range t.set.Dispatches {
		t.set.Dispatches[i].SnapshotRef = ref
	}
	t.set.Variables = t.variables
	if err := e.storage.Apply(ctx, t.set); err != nil {
		return err
	}
	for _, ev := range t.events {
		e.emitter.Emit(ev)
	}
	return nil
}

// stageDispatch stages the step record, queue entry and watchdog for one
// node attempt.
func (e *Engine) stageDispatch(t *transition, plan *graph.CompiledPlan, node model.Node, attempt int) {
	now := time.Now()
	step := &model.WorkflowStep{
		ExecutionId: t.set.ExecutionId,
		NodeId:      node.Id,
		NodeType:    node.Type,
		Status:      model.STEP_RUNNING,
		Attempt:     attempt,
		MaxAttempts: plan.RetryPolicyFor(node).MaxAttempts,
		Input:       util.ResolveParams(t.variables, node.Parameters),
		ScheduledAt: now,
		StartedAt:   &now,
	}
	t.set.Steps = append(t.set.Steps, step)
	t.set.Dispatches = append(t.set.Dispatches, model.StepDispatch{
		ExecutionId:     t.set.ExecutionId,
		WorkflowName:    plan.WorkflowName,
		WorkflowVersion: plan.WorkflowVersion,
		NodeId:          node.Id,
		Attempt:         attempt,
	})
	if timeout := plan.TimeoutFor(node); timeout > 0 {
		t.set.Timeouts = append(t.set.Timeouts, persistence.ScheduledTimeout{
			Timeout: model.StepTimeout{ExecutionId: t.set.ExecutionId, NodeId: node.Id, Attempt: attempt},
			At:      now.Add(time.Duration(timeout) * time.Second),
		})
	}
	t.events = append(t.events, event.New(t.set.ExecutionId, node.Id, model.EVENT_STEP_DISPATCHED, map[string]any{
		"workflow": plan.WorkflowName,
		"nodeType": string(node.Type),
		"attempt":  attempt,
	}))
}

func (e *Engine) stageSkip(t *transition, plan *graph.CompiledPlan, node model.Node) *model.WorkflowStep {
	now := time.Now()
	step := &model.WorkflowStep{
		ExecutionId: t.set.ExecutionId,
		NodeId:      node.Id,
		NodeType:    node.Type,
		Status:      model.STEP_SKIPPED,
		ScheduledAt: now,
		EndedAt:     &now,
	}
	t.set.Steps = append(t.set.Steps, step)
	t.events = append(t.events, event.New(t.set.ExecutionId, node.Id, model.EVENT_STEP_SKIPPED, map[string]any{
		"workflow": plan.WorkflowName,
		"nodeType": string(node.Type),
	}))
	return step
}

func mergeVariables(base map[string]any, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// recordFailure stores a continue-on-failure error under the reserved key so
// downstream nodes can inspect it.
func recordFailure(variables map[string]any, nodeId string, detail *model.ErrorDetail) map[string]any {
	out := mergeVariables(variables, nil)
	failures := make(map[string]any)
	if existing, ok := out[model.RESERVED_FAILURE_KEY].(map[string]any); ok {
		for k, v := range existing {
			failures[k] = v
		}
	}
	entry := map[string]any{}
	if detail != nil {
		entry["code"] = detail.Code
		entry["message"] = detail.Message
	}
	failures[nodeId] = entry
	out[model.RESERVED_FAILURE_KEY] = failures
	return out
}

func stepLatencyMs(step *model.WorkflowStep, endedAt time.Time) float64 {
	if step.StartedAt == nil {
		return 0
	}
	return float64(endedAt.Sub(*step.StartedAt).Milliseconds())
}

func errorMessage(detail *model.ErrorDetail) string {
	if detail == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", detail.Code, detail.Message)
}
