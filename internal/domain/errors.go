package domain

import (
	"errors"
	"fmt"
)

// ErrDuplicateTransaction is returned by the transaction repository when an
// insert loses the race on the external_id unique index. The engine absorbs
// it into an idempotent outcome; it must never escape as a request failure.
var ErrDuplicateTransaction = errors.New("transaction already exists")

// AppError is the base domain error type.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Standard domain error constructors.

func ErrValidation(msg string) *AppError {
	return &AppError{Code: "VALIDATION_ERROR", Message: msg, Status: 400}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Message: msg, Status: 401}
}

func ErrNotFound(entity, id string) *AppError {
	return &AppError{Code: "NOT_FOUND", Message: fmt.Sprintf("%s %s not found", entity, id), Status: 404}
}

// ErrConflict marks a terminal-state violation, e.g. a rejected notification
// arriving for a transaction that already completed.
func ErrConflict(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Message: msg, Status: 409}
}

// ErrUnavailable marks a retryable infrastructure failure (provider API or
// storage timeout). Handlers answer 5xx so the provider redelivers.
func ErrUnavailable(msg string, cause error) *AppError {
	return &AppError{Code: "UNAVAILABLE", Message: msg, Status: 503, Cause: cause}
}

func ErrInternal(msg string, cause error) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Message: msg, Status: 500, Cause: cause}
}
