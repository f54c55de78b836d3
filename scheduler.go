package eventbox

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type (
	// Job is a unit of asynchronous work handed to a Scheduler
	Job func(context.Context) error

	// Scheduler runs Jobs out-of-band. Enqueue must not block; it reports
	// false when the job could not be accepted
	Scheduler interface {
		Enqueue(Job) bool
		Stop()
	}

	// PoolScheduler is the default Scheduler: a fixed worker pool draining a
	// bounded queue. Job errors are logged and otherwise ignored
	PoolScheduler struct {
		logger *zap.Logger
		ctx    context.Context
		cancel context.CancelFunc
		queue  chan Job
		wg     sync.WaitGroup
	}
)

func NewPoolScheduler(
	workers, queueSize int, logger *zap.Logger,
) *PoolScheduler {
	if workers <= 0 {
		workers = DefaultAsyncWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultAsyncQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps := &PoolScheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan Job, queueSize),
	}

	for i := 0; i < workers; i++ {
		ps.wg.Add(1)
		go ps.worker(i)
	}

	return ps
}

func (ps *PoolScheduler) worker(id int) {
	defer ps.wg.Done()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case job := <-ps.queue:
			if err := job(ps.ctx); err != nil {
				ps.logger.Warn("async job failed",
					zap.Int("worker_id", id),
					zap.Error(err),
				)
			}
		}
	}
}

func (ps *PoolScheduler) Enqueue(job Job) bool {
	select {
	case ps.queue <- job:
		return true
	default:
		return false
	}
}

func (ps *PoolScheduler) Stop() {
	ps.cancel()
	ps.wg.Wait()
}
