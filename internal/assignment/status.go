package assignment

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an Application.
type Status string

const (
	StatusDraft                 Status = "draft"
	StatusOptimisticallyLocked  Status = "optimistically_locked"
	StatusConfirmed             Status = "confirmed"
	StatusRejectedRaceCondition Status = "rejected_race_condition"
	StatusSubmitted             Status = "submitted"
	StatusWithdrawn             Status = "withdrawn"
	StatusDeclined              Status = "declined"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusOptimisticallyLocked, StatusConfirmed, StatusRejectedRaceCondition,
		StatusSubmitted, StatusWithdrawn, StatusDeclined:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusWithdrawn, StatusDeclined, StatusRejectedRaceCondition:
		return true
	}
	return false
}

// Active reports whether the status counts toward the (user, billet) uniqueness
// invariant and slate membership.
func (s Status) Active() bool {
	switch s {
	case StatusDraft, StatusOptimisticallyLocked, StatusSubmitted, StatusConfirmed:
		return true
	}
	return false
}

// Reorderable reports whether an application in this status may change its
// slate position.
func (s Status) Reorderable() bool {
	switch s {
	case StatusDraft, StatusOptimisticallyLocked, StatusConfirmed:
		return true
	}
	return false
}

// transitions lists every legal edge. The empty status is "no record yet".
var transitions = map[Status][]Status{
	"":                         {StatusOptimisticallyLocked, StatusDraft},
	StatusDraft:                {StatusSubmitted},
	StatusOptimisticallyLocked: {StatusConfirmed, StatusRejectedRaceCondition, StatusSubmitted},
	StatusConfirmed:            {StatusSubmitted},
	StatusSubmitted:            {StatusConfirmed, StatusWithdrawn, StatusDeclined},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewApplication creates a record in its first status with one history entry.
func NewApplication(id, billetID, userID string, status Status, at time.Time, reason string) (*Application, error) {
	if !CanTransition("", status) {
		return nil, &TransitionError{From: "", To: status}
	}
	return &Application{
		ID:            id,
		BilletID:      billetID,
		UserID:        userID,
		Status:        status,
		StatusHistory: []HistoryEntry{{Status: status, At: at, Reason: reason}},
		CreatedAt:     at,
		UpdatedAt:     at,
		SyncStatus:    SyncPendingUpload,
	}, nil
}

// Transition applies a guarded status change and appends exactly one history
// entry. History timestamps stay strictly increasing even when the clock has
// not moved since the last entry.
func (a *Application) Transition(to Status, at time.Time, reason string) error {
	if !CanTransition(a.Status, to) {
		return &TransitionError{AppID: a.ID, From: a.Status, To: to}
	}
	if n := len(a.StatusHistory); n > 0 {
		if last := a.StatusHistory[n-1].At; !at.After(last) {
			at = last.Add(time.Nanosecond)
		}
	}
	a.Status = to
	a.StatusHistory = append(a.StatusHistory, HistoryEntry{Status: to, At: at, Reason: reason})
	a.UpdatedAt = at
	return nil
}
