package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// JobTypeLockRetry re-attempts a lock call that failed transiently.
const JobTypeLockRetry = "lock_retry"

// Retry backoff bounds for failed jobs.
const (
	RetryBaseDelay = 2 * time.Second
	RetryMaxDelay  = 60 * time.Second
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// RetryBackoff returns the delay before retry number attempt (1-based):
// 2s, 4s, 8s, ... capped at one minute.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= RetryMaxDelay {
			return RetryMaxDelay
		}
	}
	return d
}
