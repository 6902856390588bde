// Package binlock talks to the remote system that grants exclusive holds on
// billets and classifies its answers.
package binlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRaceCondition is matched by every *RaceError.
var ErrRaceCondition = errors.New("billet held by another user")

// Grant is a successful lock.
type Grant struct {
	LockToken string    `json:"lock_token"`
	ExpiresAt time.Time `json:"expires_at"`
	BilletID  string    `json:"billet_id"`
}

// LockClient attempts to acquire a lock on a billet for a user.
type LockClient interface {
	AttemptLock(ctx context.Context, billetID, userID string) (Grant, error)
}

// RaceError is returned when another user already holds the billet.
type RaceError struct {
	Message   string
	LockedAt  time.Time
	ExpiresAt time.Time
}

func (e *RaceError) Error() string {
	if e.Message == "" {
		return ErrRaceCondition.Error()
	}
	return e.Message
}

func (e *RaceError) Is(target error) bool { return target == ErrRaceCondition }

// Outcome is the classified result of a lock attempt.
type Outcome int

const (
	OutcomeTransient Outcome = iota
	OutcomeGranted
	OutcomeRace
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeRace:
		return "race"
	default:
		return "transient"
	}
}

// Classify maps the return of AttemptLock to an Outcome. Anything that is
// not a grant or a race, including timeouts and cancellation, is transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeGranted
	case errors.Is(err, ErrRaceCondition):
		return OutcomeRace
	default:
		return OutcomeTransient
	}
}

// TransientError wraps a failure the caller may retry.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("lock service unavailable (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("lock service unavailable: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
