package executor

import (
	"context"
)

var _ Executor = new(mergeExecutor)

// mergeExecutor gives fan-ins an explicit node. The branch outputs were
// already merged into the snapshot when this step became ready, so it
// simply republishes that view.
type mergeExecutor struct {
}

func NewMergeExecutor() *mergeExecutor {
	return &mergeExecutor{}
}

func (me *mergeExecutor) Name() string {
	return "merge"
}

func (me *mergeExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	return Result{Status: RESULT_COMPLETED, Output: req.Snapshot}, nil
}
