package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeValidation            = "VALIDATION"
	CodeNotFound              = "NOT_FOUND"
	CodeForbidden             = "FORBIDDEN"
	CodeStateConflict         = "STATE_CONFLICT"
	CodeVersionConflict       = "VERSION_CONFLICT"
	CodeCollaborator          = "COLLABORATOR"
	CodeSettlementPending     = "SETTLEMENT_PENDING"
	CodeDeadlineInconsistency = "DEADLINE_INCONSISTENCY"
	CodeReconciliationGap     = "RECONCILIATION_GAP"
	CodeInternal              = "INTERNAL"
)

// Error is a classified engine error that maps to an HTTP response.
type Error struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code. A version conflict is also a state conflict and a
// pending settlement is also a collaborator error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	switch t.Code {
	case CodeStateConflict:
		return e.Code == CodeVersionConflict
	case CodeCollaborator:
		return e.Code == CodeSettlementPending
	}
	return false
}

func New(code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code, message string, httpStatus int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrValidation            = &Error{Code: CodeValidation}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrForbidden             = &Error{Code: CodeForbidden}
	ErrStateConflict         = &Error{Code: CodeStateConflict}
	ErrVersionConflict       = &Error{Code: CodeVersionConflict}
	ErrCollaborator          = &Error{Code: CodeCollaborator}
	ErrSettlementPending     = &Error{Code: CodeSettlementPending}
	ErrDeadlineInconsistency = &Error{Code: CodeDeadlineInconsistency}
	ErrReconciliationGap     = &Error{Code: CodeReconciliationGap}
)

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...), http.StatusBadRequest)
}

func NotFound(entity string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func Forbidden(message string) *Error {
	return New(CodeForbidden, message, http.StatusForbidden)
}

// StateConflict reports a command issued from an illegal source state.
func StateConflict(status, action string) *Error {
	return New(CodeStateConflict, fmt.Sprintf("cannot %s while deal is %s", action, status), http.StatusConflict)
}

func VersionConflict(expected int64) *Error {
	return New(CodeVersionConflict, fmt.Sprintf("deal was modified concurrently (expected version %d)", expected), http.StatusConflict)
}

// Collaborator wraps a failed ledger or bridge call.
func Collaborator(component string, err error) *Error {
	return Wrap(CodeCollaborator, component+" call failed", http.StatusBadGateway, err)
}

func SettlementPending(detail string) *Error {
	return New(CodeSettlementPending, "settlement in progress: "+detail, http.StatusAccepted)
}

func DeadlineInconsistency(detail string) *Error {
	return New(CodeDeadlineInconsistency, detail, http.StatusConflict)
}

func ReconciliationGap(eventID string, err error) *Error {
	return Wrap(CodeReconciliationGap, "ledger event "+eventID+" could not be applied", http.StatusInternalServerError, err)
}

func Internal(err error) *Error {
	return Wrap(CodeInternal, "internal error", http.StatusInternalServerError, err)
}

// IsRetryable reports whether the caller may re-fetch and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStateConflict) || errors.Is(err, ErrCollaborator)
}

// HTTPStatus returns the status for err, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
