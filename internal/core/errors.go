package core

import (
	"errors"
	"net/http"
)

type ErrorCode int

const (
	ErrorCodeInternal ErrorCode = iota
	ErrorCodeValidation
	ErrorCodeConflict
	ErrorCodeNotFound
	// ErrorCodeInvalidTransition flags an off-table state move. It is a
	// programming-invariant violation, never an expected runtime condition.
	ErrorCodeInvalidTransition
)

type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// SafeToShow indicates the message may be returned to API callers.
	SafeToShow bool
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func (e *AppError) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case ErrorCodeValidation:
		return http.StatusBadRequest
	case ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (e *AppError) PublicMessage() string {
	if e == nil {
		return "internal error"
	}
	if e.SafeToShow {
		return e.Message
	}
	return "internal error"
}

func AsAppError(err error) (*AppError, bool) {
	if err == nil {
		return nil, false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func NewInvalidTransitionError(from, to State) *AppError {
	return &AppError{
		Code:    ErrorCodeInvalidTransition,
		Message: "invalid state transition from " + string(from) + " to " + string(to),
	}
}

func NewValidationError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrorCodeValidation,
		Message:    message,
		Err:        err,
		SafeToShow: true,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Code:       ErrorCodeConflict,
		Message:    message,
		SafeToShow: true,
	}
}

func NewTaskNotFoundError(taskID string) *AppError {
	return &AppError{
		Code:       ErrorCodeNotFound,
		Message:    "task " + taskID + " not found",
		SafeToShow: true,
	}
}
