package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/logger"
	"github.com/conveyorhq/conveyor/persistence"
	"github.com/conveyorhq/conveyor/util"
	"go.uber.org/zap"
)

// Sweepers drain the due entries of the delayed lanes: retries back onto the
// ready queue, scheduled resumes into the engine, expired watchdogs into
// timeout handling. One tick worker per lane per partition.
type Sweepers struct {
	tickers []*util.TickWorker
}

func NewSweepers(eng *engine.Engine, queue persistence.QueueStorage, interval time.Duration, wg *sync.WaitGroup) *Sweepers {
	s := &Sweepers{}
	for partition := 0; partition < queue.Partitions(); partition++ {
		partition := partition
		s.tickers = append(s.tickers,
			util.NewTickWorker(fmt.Sprintf("retry-sweeper-%d", partition), interval,
				func() { sweepRetries(eng, queue, partition) }, wg),
			util.NewTickWorker(fmt.Sprintf("resume-sweeper-%d", partition), interval,
				func() { sweepResumes(eng, queue, partition) }, wg),
			util.NewTickWorker(fmt.Sprintf("timeout-sweeper-%d", partition), interval,
				func() { sweepTimeouts(eng, queue, partition) }, wg),
		)
	}
	return s
}

func (s *Sweepers) Start() {
	for _, tw := range s.tickers {
		tw.Start()
	}
}

func (s *Sweepers) Stop() {
	for _, tw := range s.tickers {
		tw.Stop()
	}
}

func sweepRetries(eng *engine.Engine, queue persistence.QueueStorage, partition int) {
	ctx := context.Background()
	due, err := queue.PollRetries(ctx, partition)
	if err != nil {
		logger.Error("retry poll failed", zap.Int("partition", partition), zap.Error(err))
		return
	}
	for _, dispatch := range due {
		if err := eng.HandleRetryDue(ctx, dispatch); err != nil {
			logger.Error("retry handling failed", zap.String("executionId", dispatch.ExecutionId),
				zap.String("node", dispatch.NodeId), zap.Error(err))
		}
	}
}

func sweepResumes(eng *engine.Engine, queue persistence.QueueStorage, partition int) {
	ctx := context.Background()
	due, err := queue.PollResumes(ctx, partition)
	if err != nil {
		logger.Error("resume poll failed", zap.Int("partition", partition), zap.Error(err))
		return
	}
	for _, completion := range due {
		if err := eng.HandleResume(ctx, completion); err != nil {
			logger.Error("resume handling failed", zap.String("executionId", completion.ExecutionId),
				zap.String("node", completion.NodeId), zap.Error(err))
		}
	}
}

func sweepTimeouts(eng *engine.Engine, queue persistence.QueueStorage, partition int) {
	ctx := context.Background()
	due, err := queue.PollTimeouts(ctx, partition)
	if err != nil {
		logger.Error("timeout poll failed", zap.Int("partition", partition), zap.Error(err))
		return
	}
	for _, timeout := range due {
		if err := eng.HandleStepTimeout(ctx, timeout); err != nil {
			logger.Error("timeout handling failed", zap.String("executionId", timeout.ExecutionId),
				zap.String("node", timeout.NodeId), zap.Error(err))
		}
	}
}
