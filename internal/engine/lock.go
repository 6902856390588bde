package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/binlock"
)

// resolveRemote is phase two of an acquisition: call the lock service outside
// the engine mutex, then apply the classified result. When fromQueue is false
// a transient failure schedules a durable retry; when true the returned error
// tells the queue to reschedule.
func (e *Engine) resolveRemote(ctx context.Context, appID, billetID, userID string, epoch uint64, fromQueue bool) error {
	callCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	grant, err := e.locks.AttemptLock(callCtx, billetID, userID)
	cancel()
	return e.complete(ctx, appID, epoch, grant, err, fromQueue)
}

// complete applies a lock result. Results for applications that were reset,
// deleted or already moved out of optimistically_locked are discarded.
func (e *Engine) complete(ctx context.Context, appID string, epoch uint64, grant binlock.Grant, lockErr error, fromQueue bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.apps[appID]
	if epoch != e.epoch || !ok || cur.Status != assignment.StatusOptimisticallyLocked {
		e.logger.Debug("discarding stale lock result", "app_id", appID)
		return nil
	}

	now := e.clock.Now()
	next := cur.Clone()
	outcome := binlock.Classify(lockErr)

	switch outcome {
	case binlock.OutcomeGranted:
		if err := next.Transition(assignment.StatusConfirmed, now, "lock granted"); err != nil {
			return err
		}
		expires := grant.ExpiresAt
		confirmed := next.UpdatedAt
		next.LockToken = grant.LockToken
		if !expires.IsZero() {
			next.LockExpiresAt = &expires
		}
		next.ConfirmedAt = &confirmed
		next.SyncStatus = assignment.SyncSynced
		if err := e.commit(ctx, map[string]*assignment.Application{next.ID: next}, nil); err != nil {
			return err
		}
		e.logger.Info("lock granted", "app_id", appID, "billet_id", next.BilletID)
		return nil

	case binlock.OutcomeRace:
		if err := next.Transition(assignment.StatusRejectedRaceCondition, now, "held by another user"); err != nil {
			return err
		}
		next.RejectionReason = lockErr.Error()
		next.SetRank(0)
		next.SyncStatus = assignment.SyncSynced
		staged := map[string]*assignment.Application{next.ID: next}
		e.compactLocked(next.UserID, staged, nil)
		if err := e.commit(ctx, staged, nil); err != nil {
			return err
		}
		e.logger.Info("lock lost to another user", "app_id", appID, "billet_id", next.BilletID)
		return nil

	default:
		next.SyncStatus = assignment.SyncPendingUpload
		next.RetryCount++
		if err := e.commit(ctx, map[string]*assignment.Application{next.ID: next}, nil); err != nil {
			return err
		}
		e.logger.Warn("lock attempt failed transiently", "app_id", appID, "retry_count", next.RetryCount, "error", lockErr)
		if fromQueue {
			return fmt.Errorf("lock attempt for application %s: %w", appID, lockErr)
		}
		if e.retries != nil {
			if err := e.retries.EnqueueLockRetry(ctx, appID, e.maxAttempts); err != nil {
				e.logger.Error("scheduling lock retry failed", "app_id", appID, "error", err)
			}
		}
		return nil
	}
}

// RetryLock re-attempts the lock for an application still waiting on one.
// It is a no-op for applications that no longer need it, and returns an
// error when the attempt failed transiently.
func (e *Engine) RetryLock(ctx context.Context, appID string) error {
	e.mu.Lock()
	app, ok := e.apps[appID]
	if !ok || app.Status != assignment.StatusOptimisticallyLocked {
		e.mu.Unlock()
		return nil
	}
	epoch, billetID, userID := e.epoch, app.BilletID, app.UserID
	e.mu.Unlock()

	return e.resolveRemote(ctx, appID, billetID, userID, epoch, true)
}

// Retry re-attempts the lock for an application on user request, typically
// one whose queued retries ran out. A transient failure schedules a fresh
// durable retry and is not an error.
func (e *Engine) Retry(ctx context.Context, appID string) (*assignment.Application, error) {
	e.mu.Lock()
	app, ok := e.apps[appID]
	if !ok {
		e.mu.Unlock()
		return nil, assignment.ErrNotFound
	}
	if app.Status != assignment.StatusOptimisticallyLocked {
		e.mu.Unlock()
		return nil, assignment.ErrNotPending
	}
	epoch, billetID, userID := e.epoch, app.BilletID, app.UserID
	e.mu.Unlock()

	if err := e.resolveRemote(ctx, appID, billetID, userID, epoch, false); err != nil {
		return nil, err
	}
	out, ok := e.Application(appID)
	if !ok {
		return nil, assignment.ErrNotFound
	}
	return out, nil
}

// MarkRetryExhausted flags an application whose retries ran out. It stays
// optimistically_locked so Retry can still resolve it.
func (e *Engine) MarkRetryExhausted(ctx context.Context, appID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	app, ok := e.apps[appID]
	if !ok || app.Status != assignment.StatusOptimisticallyLocked {
		return nil
	}
	next := app.Clone()
	next.SyncStatus = assignment.SyncError
	if err := e.commit(ctx, map[string]*assignment.Application{next.ID: next}, nil); err != nil {
		return err
	}
	e.logger.Warn("lock retries exhausted", "app_id", appID, "retry_count", next.RetryCount)
	return nil
}

// Submit moves every ranked draft, optimistically locked or confirmed
// application of the user to submitted.
func (e *Engine) Submit(ctx context.Context, userID string) ([]*assignment.Application, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	staged := make(map[string]*assignment.Application)
	for _, app := range e.slateLocked(userID, nil, nil) {
		if app.Status == assignment.StatusSubmitted {
			continue
		}
		next := app.Clone()
		if err := next.Transition(assignment.StatusSubmitted, now, "slate submitted"); err != nil {
			return nil, err
		}
		staged[next.ID] = next
	}
	if len(staged) == 0 {
		return nil, assignment.ErrEmptySlate
	}
	if err := e.commit(ctx, staged, nil); err != nil {
		return nil, err
	}

	out := make([]*assignment.Application, 0, len(staged))
	for _, app := range staged {
		out = append(out, app.Clone())
	}
	sortByRank(out)
	e.logger.Info("slate submitted", "applications", len(out))
	return out, nil
}

// ApplyRemoteStatus resolves a submitted application to confirmed, withdrawn
// or declined.
func (e *Engine) ApplyRemoteStatus(ctx context.Context, appID string, status assignment.Status, reason string) (*assignment.Application, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	app, ok := e.apps[appID]
	if !ok {
		return nil, assignment.ErrNotFound
	}
	switch status {
	case assignment.StatusConfirmed, assignment.StatusWithdrawn, assignment.StatusDeclined:
	default:
		return nil, &assignment.TransitionError{AppID: appID, From: app.Status, To: status}
	}
	if app.Status != assignment.StatusSubmitted {
		return nil, &assignment.TransitionError{AppID: appID, From: app.Status, To: status}
	}

	next := app.Clone()
	if err := next.Transition(status, e.clock.Now(), reason); err != nil {
		return nil, err
	}
	if status == assignment.StatusConfirmed && next.ConfirmedAt == nil {
		confirmed := next.UpdatedAt
		next.ConfirmedAt = &confirmed
	}
	if status == assignment.StatusDeclined {
		next.RejectionReason = reason
	}
	next.SyncStatus = assignment.SyncSynced

	staged := map[string]*assignment.Application{next.ID: next}
	if next.Status.Terminal() {
		next.SetRank(0)
		e.compactLocked(next.UserID, staged, nil)
	}
	if err := e.commit(ctx, staged, nil); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}
