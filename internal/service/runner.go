package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

// Runner executes deferred work after a response has been returned. Tasks
// are detached from the request context and bounded by their own timeout.
type Runner struct {
	timeout time.Duration
	logger  *logger.Logger
	wg      sync.WaitGroup
}

// NewRunner creates a runner whose tasks time out after timeout.
func NewRunner(timeout time.Duration, log *logger.Logger) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{timeout: timeout, logger: log.Named("background")}
}

// Go runs task in the background. ctx supplies values only; its
// cancellation does not reach the task.
func (r *Runner) Go(ctx context.Context, name string, task func(ctx context.Context)) {
	r.wg.Add(1)
	metrics.BackgroundTasks.Inc()
	go func() {
		defer r.wg.Done()
		defer metrics.BackgroundTasks.Dec()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", rec))
			}
		}()

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		task(tctx)
	}()
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
