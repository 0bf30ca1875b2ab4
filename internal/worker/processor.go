package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

// processJob parses, dispatches and settles a claimed job. A payload that does not
// parse fails the job without reaching any handler.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) error {
	log := w.logger.With(
		slog.Int64("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("retries", job.Retries),
	)
	log.Info("Processing job")

	// the outcome is written even when shutdown cancels ctx mid-handler
	settleCtx := context.WithoutCancel(ctx)

	payload, err := domain.ParsePayload(job.Payload)
	if err != nil {
		log.Error("Failed to parse job payload", slog.Any("error", err))
		return w.settle(settleCtx, log, job, err)
	}

	stopHeartbeat := w.startHeartbeat(ctx, log, job)
	started := time.Now()
	err = w.executeJob(ctx, job, payload)
	stopHeartbeat()

	if err != nil {
		log.Error("Job execution failed",
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", err),
		)
	} else {
		log.Info("Job completed successfully", slog.Duration("elapsed", time.Since(started)))
	}
	return w.settle(settleCtx, log, job, err)
}

// executeJob runs the handler. A panic becomes an ordinary, retryable error.
func (w *Worker) executeJob(ctx context.Context, job *domain.Job, payload domain.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Handler panicked",
				slog.Int64("job_id", job.JobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.dispatcher.Dispatch(ctx, w.db, job.JobType, payload)
}

// settle writes the job's outcome: completed on success, failed for permanent errors
// or an exhausted ceiling, pending otherwise. Losing the claim to a reclaiming worker
// is logged, not returned.
func (w *Worker) settle(ctx context.Context, log *slog.Logger, job *domain.Job, jobErr error) error {
	var err error
	switch {
	case jobErr == nil:
		err = w.store.Complete(ctx, job)
	case domain.IsPermanent(jobErr):
		log.Warn("Job failed permanently", slog.Any("error", jobErr))
		err = w.store.Fail(ctx, job, jobErr.Error())
	case job.Retries < w.claim.MaxRetries:
		log.Info("Job will be retried",
			slog.Int("retry_count", job.Retries+1),
			slog.Int("max_retries", w.claim.MaxRetries),
		)
		err = w.store.Requeue(ctx, job, jobErr.Error())
	default:
		log.Warn("Job exceeded max retries",
			slog.Int("max_retries", w.claim.MaxRetries),
		)
		err = w.store.Fail(ctx, job, jobErr.Error())
	}

	if errors.Is(err, domain.ErrJobNotOwned) {
		log.Warn("Job was reclaimed by another worker before its status was written")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update job %d status: %w", job.JobID, err)
	}
	return nil
}

// startHeartbeat refreshes updated_at while the handler runs so the job is not
// mistaken for abandoned. The returned func stops it and waits for it to exit.
func (w *Worker) startHeartbeat(ctx context.Context, log *slog.Logger, job *domain.Job) func() {
	if w.heartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.store.Touch(ctx, job)
				if errors.Is(err, domain.ErrJobNotOwned) {
					log.Warn("Job heartbeat lost ownership")
					return
				}
				if err != nil {
					log.Warn("Failed to update job heartbeat", slog.Any("error", err))
					continue
				}
				log.Debug("Job heartbeat updated")
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
