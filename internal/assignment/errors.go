package assignment

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every caller error. Validation errors are
// rejected synchronously and abort the operation without mutating state.
var ErrValidation = errors.New("validation error")

// ErrDataIntegrity marks a persistence failure. The in-memory view may no
// longer be trusted; callers should force a reconciliation pass (Hydrate).
var ErrDataIntegrity = errors.New("data integrity error")

var (
	ErrNotAtCursor       = validation("billet is not the current deck candidate")
	ErrDeckExhausted     = validation("deck is exhausted")
	ErrUnknownVerb       = validation("unknown decision verb")
	ErrInvalidOrder      = validation("order is not a permutation of the slate")
	ErrNotFound          = validation("application not found")
	ErrEmptySlate        = validation("slate is empty")
	ErrIllegalTransition = validation("illegal status transition")
	ErrRankLocked        = validation("application rank is locked")
	ErrNothingToUndo     = validation("no decision to undo")
	ErrNotPending        = validation("application is not waiting on a lock")
)

type validationError struct{ msg string }

func validation(msg string) error { return &validationError{msg: msg} }

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrValidation }

// TransitionError reports an attempted edge missing from the transition table.
type TransitionError struct {
	AppID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "(none)"
	}
	if e.AppID == "" {
		return fmt.Sprintf("illegal status transition %s -> %s", from, e.To)
	}
	return fmt.Sprintf("illegal status transition %s -> %s for application %s", from, e.To, e.AppID)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// IntegrityError wraps a gateway failure as a data-integrity error.
func IntegrityError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDataIntegrity, op, err)
}
