// Package worker drains the durable lock retry queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/compass/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (exhausted bool, err error)
}

// LockRetrier re-attempts locks. Implemented by engine.Engine.
type LockRetrier interface {
	RetryLock(ctx context.Context, appID string) error
	MarkRetryExhausted(ctx context.Context, appID string) error
}

// Worker processes lock_retry jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	retrier LockRetrier
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, retrier LockRetrier, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		retrier: retrier,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single lock_retry job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobTypeLockRetry})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	appID, err := storage.LockRetryApplicationID(job)
	if err == nil {
		err = w.retrier.RetryLock(ctx, appID)
	}
	if err != nil {
		w.logger.Warn("lock retry failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		exhausted, failErr := w.store.FailJob(ctx, job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			return true, nil
		}
		if exhausted && appID != "" {
			if err := w.retrier.MarkRetryExhausted(ctx, appID); err != nil {
				return true, fmt.Errorf("flagging application %s: %w", appID, err)
			}
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}
