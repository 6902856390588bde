package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/compass/internal/assignment"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// engineError maps engine errors onto HTTP statuses: unknown ids are 404,
// requests that conflict with current state are 409, other validation
// failures are 400 and persistence failures are 500.
func engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assignment.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, assignment.ErrNotAtCursor),
		errors.Is(err, assignment.ErrDeckExhausted),
		errors.Is(err, assignment.ErrIllegalTransition),
		errors.Is(err, assignment.ErrRankLocked),
		errors.Is(err, assignment.ErrEmptySlate),
		errors.Is(err, assignment.ErrNothingToUndo),
		errors.Is(err, assignment.ErrNotPending):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, assignment.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
