package engine

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/event"
	"github.com/conveyorhq/conveyor/graph"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/metrics"
	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	"go.uber.org/zap"
)

// Advance applies one step completion and everything that follows from it:
// the step's terminal record, variable merges, retry scheduling, successor
// dispatch or skip propagation and execution completion. Redelivered
// completions are dropped by the per-attempt claim, so concurrent or
// repeated calls for the same attempt apply exactly once.
func (e *Engine) Advance(ctx context.Context, completion model.StepCompletion) error {
	executionId := completion.ExecutionId
	execution, err := e.storage.GetExecution(ctx, executionId)
	if err != nil {
		return err
	}
	if execution.Status == model.EXECUTION_COMPLETED || execution.Status == model.EXECUTION_FAILED {
		e.cacheTerminal(executionId, execution.Status)
		return nil
	}
	plan, err := e.metadataService.GetPlan(ctx, execution.WorkflowName, execution.WorkflowVersion)
	if err != nil {
		return err
	}
	node, ok := plan.NodeById(completion.NodeId)
	if !ok {
		logger.Error("completion for unknown node dropped", zap.String("executionId", executionId), zap.String("node", completion.NodeId))
		return nil
	}

	// Suspensions are not completions. They must stay claimable by the real
	// completion that ends the same attempt later.
	if completion.Suspended {
		return e.applySuspension(ctx, plan, execution, node, completion)
	}

	claimed, err := e.storage.ClaimStepCompletion(ctx, executionId, completion.NodeId, completion.Attempt)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("duplicate completion dropped", zap.String("executionId", executionId),
			zap.String("node", completion.NodeId), zap.Int("attempt", completion.Attempt))
		return nil
	}

	step, err := e.storage.GetStep(ctx, executionId, completion.NodeId)
	if err != nil {
		return err
	}
	if step.Status.Terminal() || step.Attempt != completion.Attempt {
		logger.Debug("stale completion dropped", zap.String("executionId", executionId),
			zap.String("node", completion.NodeId), zap.Int("attempt", completion.Attempt))
		return nil
	}

	cancelled := execution.Status == model.EXECUTION_CANCELLED
	if completion.Status == model.STEP_FAILED && completion.Retryable && !cancelled {
		policy := plan.RetryPolicyFor(node)
		if completion.Attempt < policy.MaxAttempts {
			return e.scheduleRetry(ctx, plan, node, step, completion, policy)
		}
	}
	return e.applyTerminal(ctx, plan, execution, node, step, completion, cancelled)
}

// applySuspension marks the step suspended and, for deferred steps, schedules
// the completion that will end it. Idempotent, redelivered suspensions are
// no-ops.
func (e *Engine) applySuspension(ctx context.Context, plan *graph.CompiledPlan, execution *model.WorkflowExecution, node model.Node, completion model.StepCompletion) error {
	if execution.Status.Terminal() {
		return nil
	}
	step, err := e.storage.GetStep(ctx, execution.Id, completion.NodeId)
	if err != nil {
		return err
	}
	if step.Status.Terminal() || step.Suspended || step.Attempt != completion.Attempt {
		return nil
	}
	variables, err := e.storage.GetVariables(ctx, execution.Id)
	if err != nil {
		return err
	}
	step.Suspended = true
	t := newTransition(execution.Id, variables)
	t.set.Steps = append(t.set.Steps, step)
	detail := map[string]any{
		"workflow": plan.WorkflowName,
		"nodeType": string(node.Type),
	}
	if completion.ResumeAt != nil {
		detail["resumeAt"] = completion.ResumeAt.Format(time.RFC3339)
		t.set.Resumes = append(t.set.Resumes, persistence.ScheduledCompletion{
			Completion: model.StepCompletion{
				ExecutionId: execution.Id,
				NodeId:      completion.NodeId,
				Attempt:     completion.Attempt,
				Status:      model.STEP_SUCCEEDED,
				Output:      completion.Output,
			},
			At: *completion.ResumeAt,
		})
	}
	t.events = append(t.events, event.New(execution.Id, node.Id, model.EVENT_STEP_SUSPENDED, detail))
	if err := e.apply(ctx, t); err != nil {
		return err
	}
	logger.Info("step suspended", zap.String("executionId", execution.Id), zap.String("node", node.Id))
	return nil
}

func (e *Engine) scheduleRetry(ctx context.Context, plan *graph.CompiledPlan, node model.Node, step *model.WorkflowStep, completion model.StepCompletion, policy model.RetryPolicy) error {
	nextAttempt := completion.Attempt + 1
	delay := policy.Backoff(completion.Attempt)
	due := time.Now().Add(delay)

	step.Status = model.STEP_PENDING
	step.Attempt = nextAttempt
	step.Error = completion.Error
	step.Suspended = false
	step.ScheduledAt = due

	variables, err := e.storage.GetVariables(ctx, step.ExecutionId)
	if err != nil {
		return err
	}
	t := newTransition(step.ExecutionId, variables)
	t.set.Steps = append(t.set.Steps, step)
	t.set.Retries = append(t.set.Retries, persistence.ScheduledDispatch{
		Dispatch: model.StepDispatch{
			ExecutionId:     step.ExecutionId,
			WorkflowName:    plan.WorkflowName,
			WorkflowVersion: plan.WorkflowVersion,
			NodeId:          node.Id,
			Attempt:         nextAttempt,
		},
		At: due,
	})
	t.events = append(t.events, event.New(step.ExecutionId, node.Id, model.EVENT_STEP_RETRIED, map[string]any{
		"workflow":     plan.WorkflowName,
		"nodeType":     string(node.Type),
		"attempt":      nextAttempt,
		"delaySeconds": delay.Seconds(),
		"error":        errorMessage(completion.Error),
	}))
	if err := e.apply(ctx, t); err != nil {
		return err
	}
	logger.Info("step retry scheduled", zap.String("executionId", step.ExecutionId), zap.String("node", node.Id),
		zap.Int("attempt", nextAttempt), zap.Duration("delay", delay))
	return nil
}

// HandleRetryDue fires when a scheduled retry becomes due, it moves the step
// back to running and enqueues the dispatch.
func (e *Engine) HandleRetryDue(ctx context.Context, dispatch model.StepDispatch) error {
	if e.IsTerminal(ctx, dispatch.ExecutionId) {
		return nil
	}
	step, err := e.storage.GetStep(ctx, dispatch.ExecutionId, dispatch.NodeId)
	if err != nil {
		return err
	}
	if step.Status != model.STEP_PENDING || step.Attempt != dispatch.Attempt {
		return nil
	}
	plan, err := e.metadataService.GetPlan(ctx, dispatch.WorkflowName, dispatch.WorkflowVersion)
	if err != nil {
		return err
	}
	node, ok := plan.NodeById(dispatch.NodeId)
	if !ok {
		return nil
	}
	variables, err := e.storage.GetVariables(ctx, dispatch.ExecutionId)
	if err != nil {
		return err
	}
	now := time.Now()
	step.Status = model.STEP_RUNNING
	step.StartedAt = &now
	step.Input = util.ResolveParams(variables, node.Parameters)

	t := newTransition(dispatch.ExecutionId, variables)
	t.set.Steps = append(t.set.Steps, step)
	t.set.Dispatches = append(t.set.Dispatches, dispatch)
	if timeout := plan.TimeoutFor(node); timeout > 0 {
		t.set.Timeouts = append(t.set.Timeouts, persistence.ScheduledTimeout{
			Timeout: model.StepTimeout{ExecutionId: dispatch.ExecutionId, NodeId: node.Id, Attempt: dispatch.Attempt},
			At:      now.Add(time.Duration(timeout) * time.Second),
		})
	}
	t.events = append(t.events, event.New(dispatch.ExecutionId, node.Id, model.EVENT_STEP_DISPATCHED, map[string]any{
		"workflow": plan.WorkflowName,
		"nodeType": string(node.Type),
		"attempt":  dispatch.Attempt,
	}))
	return e.apply(ctx, t)
}

// applyTerminal writes the step's terminal record and walks the graph
// forward: merging outputs, dispatching ready successors, skipping dead ones
// and finally checking the execution for completion.
func (e *Engine) applyTerminal(ctx context.Context, plan *graph.CompiledPlan, execution *model.WorkflowExecution, node model.Node, step *model.WorkflowStep, completion model.StepCompletion, cancelled bool) error {
	now := time.Now()
	wasSuspended := step.Suspended
	step.Status = completion.Status
	step.Suspended = false
	step.Output = completion.Output
	step.Error = completion.Error
	step.ActiveEdges = completion.ActiveEdges
	step.EndedAt = &now

	variables, err := e.storage.GetVariables(ctx, execution.Id)
	if err != nil {
		return err
	}
	t := newTransition(execution.Id, variables)
	t.set.Steps = append(t.set.Steps, step)

	detail := map[string]any{
		"workflow":  plan.WorkflowName,
		"nodeType":  string(node.Type),
		"attempt":   completion.Attempt,
		"latencyMs": stepLatencyMs(step, now),
	}
	if wasSuspended {
		t.events = append(t.events, event.New(execution.Id, node.Id, model.EVENT_STEP_RESUMED, map[string]any{
			"workflow": plan.WorkflowName,
			"nodeType": string(node.Type),
		}))
	}
	switch completion.Status {
	case model.STEP_SUCCEEDED:
		t.events = append(t.events, event.New(execution.Id, node.Id, model.EVENT_STEP_SUCCEEDED, detail))
	case model.STEP_FAILED:
		detail["error"] = errorMessage(completion.Error)
		t.events = append(t.events, event.New(execution.Id, node.Id, model.EVENT_STEP_FAILED, detail))
	default:
		logger.Error("completion with non-terminal status dropped", zap.String("executionId", execution.Id),
			zap.String("node", node.Id), zap.String("status", string(completion.Status)))
		return nil
	}

	if cancelled {
		// Record the result, nothing new dispatches on a cancelled run.
		return e.apply(ctx, t)
	}

	if completion.Status == model.STEP_SUCCEEDED {
		t.mergeOutput(completion.Output)
	}
	if completion.Status == model.STEP_FAILED && node.ContinueOnFailure {
		t.variables = recordFailure(t.variables, node.Id, completion.Error)
		t.dirty = true
	}

	// The terminal record and merged variables land before any join counter
	// moves. A zero observation therefore always finds every predecessor's
	// terminal record in storage, no matter how completions interleave.
	if err := e.apply(ctx, t); err != nil {
		return err
	}

	next := newTransition(execution.Id, t.variables)
	e.propagate(ctx, plan, next, node, step)
	if len(next.set.Steps) > 0 || len(next.set.Dispatches) > 0 || next.dirty || len(next.events) > 0 {
		if err := e.apply(ctx, next); err != nil {
			return err
		}
	}
	return e.maybeComplete(ctx, plan, execution.Id)
}

// outcome is one settled node whose successors still need their join
// counters decremented.
type outcome struct {
	node model.Node
	step *model.WorkflowStep
}

// propagate walks forward from a settled node whose terminal record has
// already been applied. Every successor's join counter decrements exactly
// once per settled predecessor; the decrement that observes zero owns the
// successor's transition and decides dispatch or skip. Any-joins dispatch on
// the first successful predecessor through a one-shot claim instead of
// waiting for zero.
func (e *Engine) propagate(ctx context.Context, plan *graph.CompiledPlan, t *transition, node model.Node, step *model.WorkflowStep) {
	queue := []outcome{{node: node, step: step}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		active := activeLabelMatcher(plan, cur.node, cur.step)
		for _, succ := range plan.SuccessorsOf(cur.node.Id) {
			classSuccess := predecessorSatisfies(cur.node, cur.step, active(succ.Label))

			if succ.Node.JoinPolicy() == model.JOIN_ANY && classSuccess {
				if e.claimDispatch(ctx, t.set.ExecutionId, succ.Node.Id) {
					e.stageJoinDispatch(ctx, plan, t, succ.Node)
				}
			}

			remaining, err := e.storage.DecrementJoinCounter(ctx, t.set.ExecutionId, succ.Node.Id)
			if err != nil {
				logger.Error("join counter decrement failed", zap.String("executionId", t.set.ExecutionId),
					zap.String("node", succ.Node.Id), zap.Error(err))
				continue
			}
			if remaining > 0 {
				continue
			}
			if remaining < 0 {
				logger.Error("join counter below zero", zap.String("executionId", t.set.ExecutionId),
					zap.String("node", succ.Node.Id), zap.Int("remaining", remaining))
				continue
			}

			if succ.Node.JoinPolicy() == model.JOIN_ANY {
				// Zero with the claim still free means no predecessor
				// succeeded, the node is dead.
				if e.claimDispatch(ctx, t.set.ExecutionId, succ.Node.Id) {
					skipped := e.stageSkip(t, plan, succ.Node)
					queue = append(queue, outcome{node: succ.Node, step: skipped})
				}
				continue
			}

			if e.allJoinReady(ctx, plan, t, succ.Node) {
				e.stageJoinDispatch(ctx, plan, t, succ.Node)
			} else {
				skipped := e.stageSkip(t, plan, succ.Node)
				queue = append(queue, outcome{node: succ.Node, step: skipped})
			}
		}
	}
}

// claimDispatch is the one-shot dispatch claim of a join node. Attempt zero
// is reserved for it, real completions claim attempts starting at one.
func (e *Engine) claimDispatch(ctx context.Context, executionId string, nodeId string) bool {
	claimed, err := e.storage.ClaimStepCompletion(ctx, executionId, nodeId, 0)
	if err != nil {
		logger.Error("dispatch claim failed", zap.String("executionId", executionId), zap.String("node", nodeId), zap.Error(err))
		return false
	}
	return claimed
}

// allJoinReady evaluates an all-join at its zero observation: every
// predecessor must have succeeded on an active edge or failed with
// continue-on-failure.
func (e *Engine) allJoinReady(ctx context.Context, plan *graph.CompiledPlan, t *transition, node model.Node) bool {
	for _, predId := range plan.PredecessorIds(node.Id) {
		predNode, ok := plan.NodeById(predId)
		if !ok {
			return false
		}
		predStep := t.step(predId)
		if predStep == nil {
			stored, err := e.storage.GetStep(ctx, t.set.ExecutionId, predId)
			if err != nil {
				// A concurrent skip cascade may not have applied yet. Its
				// record could only be a skip, so treating it as unsatisfied
				// agrees with what it will say.
				logger.Warn("join zero with missing predecessor record", zap.String("executionId", t.set.ExecutionId),
					zap.String("node", node.Id), zap.String("predecessor", predId), zap.Error(err))
				return false
			}
			predStep = stored
		}
		if !predStep.Status.Terminal() {
			logger.Error("join zero with non-terminal predecessor", zap.String("executionId", t.set.ExecutionId),
				zap.String("node", node.Id), zap.String("predecessor", predId))
			return false
		}
		label := edgeLabelBetween(plan, predId, node.Id)
		active := activeLabelMatcher(plan, predNode, predStep)
		if !predecessorSatisfies(predNode, predStep, active(label)) {
			return false
		}
	}
	return true
}

// stageJoinDispatch overlays the predecessors' outputs onto the variables in
// edge declaration order, then stages the dispatch. Same-key writes by a
// later edge win and emit a collision warning.
func (e *Engine) stageJoinDispatch(ctx context.Context, plan *graph.CompiledPlan, t *transition, node model.Node) {
	predIds := plan.PredecessorIds(node.Id)
	if len(predIds) > 1 {
		writtenBy := make(map[string]string)
		merged := mergeVariables(t.variables, nil)
		for _, predId := range predIds {
			predStep := t.step(predId)
			if predStep == nil {
				stored, err := e.storage.GetStep(ctx, t.set.ExecutionId, predId)
				if err != nil {
					continue
				}
				predStep = stored
			}
			if predStep.Status != model.STEP_SUCCEEDED {
				continue
			}
			for k, v := range predStep.Output {
				if earlier, ok := writtenBy[k]; ok && earlier != predId {
					t.events = append(t.events, event.New(t.set.ExecutionId, node.Id, model.EVENT_VARIABLE_COLLISION, map[string]any{
						"workflow": plan.WorkflowName,
						"key":      k,
						"winner":   predId,
						"loser":    earlier,
					}))
				}
				merged[k] = v
				writtenBy[k] = predId
			}
		}
		t.variables = merged
		t.dirty = true
	}
	e.stageDispatch(t, plan, node, 1)
}

// maybeComplete finishes the execution once every plan node has a terminal
// step record. Nodes behind an unresolved join have no record yet, so the
// count guard keeps a racing completer from declaring the run finished while
// another one is still staging the join's dispatch. Exactly one caller wins
// the terminal compare-and-set.
func (e *Engine) maybeComplete(ctx context.Context, plan *graph.CompiledPlan, executionId string) error {
	steps, err := e.storage.ListSteps(ctx, executionId)
	if err != nil {
		return err
	}
	if len(steps) < plan.NodeCount() {
		return nil
	}
	for _, step := range steps {
		if !step.Status.Terminal() {
			return nil
		}
	}
	status := model.EXECUTION_FAILED
	var errDetail *model.ErrorDetail
	for _, step := range steps {
		if plan.Terminal(step.NodeId) && step.Status == model.STEP_SUCCEEDED {
			status = model.EXECUTION_COMPLETED
			break
		}
	}
	eventType := model.EVENT_EXECUTION_COMPLETED
	if status == model.EXECUTION_FAILED {
		eventType = model.EVENT_EXECUTION_FAILED
		errDetail = &model.ErrorDetail{Code: model.ERROR_CODE_EXECUTOR, Message: "no terminal node succeeded"}
		for _, step := range steps {
			if step.Status == model.STEP_FAILED && step.Error != nil {
				errDetail = &model.ErrorDetail{Code: step.Error.Code, Message: "step " + step.NodeId + " failed: " + step.Error.Message}
				break
			}
		}
	}
	applied, err := e.storage.UpdateExecutionStatus(ctx, executionId,
		[]model.ExecutionStatus{model.EXECUTION_PENDING, model.EXECUTION_RUNNING}, status, errDetail)
	if err != nil {
		return err
	}
	if !applied {
		metrics.RecordStateConflict()
		return nil
	}
	e.cacheTerminal(executionId, status)
	detail := map[string]any{"workflow": plan.WorkflowName}
	if errDetail != nil {
		detail["error"] = errorMessage(errDetail)
	}
	e.emitter.Emit(event.New(executionId, "", eventType, detail))
	logger.Info("execution finished", zap.String("executionId", executionId), zap.String("status", string(status)))
	return nil
}

// predecessorSatisfies classifies a settled predecessor for one outgoing
// edge: success on an active edge, or a tolerated failure, feeds the
// successor; anything else poisons it.
func predecessorSatisfies(node model.Node, step *model.WorkflowStep, edgeActive bool) bool {
	switch step.Status {
	case model.STEP_SUCCEEDED:
		return edgeActive
	case model.STEP_FAILED:
		return node.ContinueOnFailure
	}
	return false
}

// activeLabelMatcher reports which outgoing edge labels a settled step
// activated. Nil active edges mean all; otherwise listed labels match, and
// default edges fire only when no listed label matched any outgoing edge.
func activeLabelMatcher(plan *graph.CompiledPlan, node model.Node, step *model.WorkflowStep) func(string) bool {
	if step.ActiveEdges == nil {
		return func(string) bool { return true }
	}
	listed := make(map[string]bool, len(step.ActiveEdges))
	for _, label := range step.ActiveEdges {
		listed[label] = true
	}
	anyMatched := false
	for _, succ := range plan.SuccessorsOf(node.Id) {
		if listed[succ.Label] {
			anyMatched = true
			break
		}
	}
	return func(label string) bool {
		if listed[label] {
			return true
		}
		return !anyMatched && label == model.DEFAULT_EDGE
	}
}

func edgeLabelBetween(plan *graph.CompiledPlan, fromId string, toId string) string {
	for _, succ := range plan.SuccessorsOf(fromId) {
		if succ.Node.Id == toId {
			return succ.Label
		}
	}
	return model.DEFAULT_EDGE
}
