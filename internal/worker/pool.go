package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// newLoopBackOff grows from errorBackoff to maxErrorBackoff and never gives up.
func (w *Worker) newLoopBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.errorBackoff
	b.MaxInterval = w.maxErrorBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// workerLoop is the claim, dispatch, settle cycle of one goroutine. Store errors back
// off and retry; they never end the loop.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	errBackoff := w.newLoopBackOff()
	for {
		if ctx.Err() != nil || w.stopped() {
			w.logger.Debug("Worker goroutine stopping",
				slog.String("worker_name", workerName),
			)
			return
		}

		claimed, err := w.Iterate(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			delay := errBackoff.NextBackOff()
			w.logger.Error("Worker iteration failed, backing off",
				slog.String("worker_name", workerName),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			if !w.sleep(ctx, delay, false) {
				return
			}

		case !claimed:
			errBackoff.Reset()
			if !w.sleep(ctx, w.idleInterval, true) {
				return
			}

		default:
			errBackoff.Reset()
		}
	}
}
