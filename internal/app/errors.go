package app

import (
	"errors"
	"fmt"
	"net/http"

	"cuesheet/internal/approval"
	"cuesheet/internal/history"
	"cuesheet/internal/rbac"
	"cuesheet/internal/rundown"
	"cuesheet/internal/session"
	"cuesheet/internal/syncer"
	"cuesheet/internal/undo"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// mapError converts the error taxonomy into an HTTP status, a stable code
// and a message fit for the user.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var transitionErr *approval.TransitionError
	switch {
	case errors.Is(err, rbac.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil
	case errors.As(err, &transitionErr):
		return http.StatusConflict, "INVALID_TRANSITION", transitionErr.Message, map[string]any{
			"status": transitionErr.From,
			"event":  transitionErr.Event,
		}
	case errors.Is(err, rundown.ErrSegmentLocked):
		return http.StatusConflict, "SEGMENT_LOCKED", err.Error(), nil
	case errors.Is(err, approval.ErrReasonRequired), errors.Is(err, approval.ErrConfirmationRequired):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, rundown.ErrInvalidSegment), errors.Is(err, rundown.ErrDuplicateID), errors.Is(err, rundown.ErrIndexOutOfRange):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, undo.ErrNothingToUndo), errors.Is(err, undo.ErrNothingToRedo), errors.Is(err, history.ErrNoSnapshot):
		return http.StatusConflict, "NOTHING_TO_RESTORE", err.Error(), nil
	case errors.Is(err, rundown.ErrNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unknown or expired session", nil
	case errors.Is(err, syncer.ErrSyncFailure):
		return http.StatusBadGateway, "SYNC_FAILURE", "Error saving changes; your edits are kept locally", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
