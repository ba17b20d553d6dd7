package executor

import (
	"context"
	"time"
)

var _ Executor = new(delayExecutor)

// delayExecutor defers the step instead of sleeping. The engine re-arms it
// on the delayed queue and completes it when the deadline fires.
type delayExecutor struct {
}

func NewDelayExecutor() *delayExecutor {
	return &delayExecutor{}
}

func (de *delayExecutor) Name() string {
	return "delay"
}

func (de *delayExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	resumeAt := time.Now().Add(time.Duration(req.Node.DelaySeconds) * time.Second)
	return Result{Status: RESULT_DEFERRED, ResumeAt: &resumeAt}, nil
}
