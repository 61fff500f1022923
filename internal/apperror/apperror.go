// Package apperror defines the typed failures shared by the store, service and
// handler layers.
//
// Expected outcomes (not found, version conflict, duplicate login) travel as
// *AppError values that wrap one of the sentinels below, so callers branch with
// errors.Is instead of string matching. Caller bugs (nil arguments, empty ids)
// wrap ErrInvalidArgument and should never be retried.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("Validation Error")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrDuplicateLogin  = errors.New("duplicate login provider")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Codes carried on AppError.Code for identity-store failures.
const (
	CodeConflict       = "Conflict"
	CodeLoginExists    = "LoginAlreadyAssociated"
	CodeUserNotFound   = "UserNotFound"
	CodeInvalidRequest = "invalid_request"
)

type AppError struct {
	Err     error  // actual error
	Code    string // Optional: machine-readable code
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Code:    CodeUserNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// ConcurrencyFailure is returned when a conditional write loses the race
// against another writer. The caller must re-read before trying again.
func ConcurrencyFailure() *AppError {
	return &AppError{
		Err:     ErrConflict,
		Code:    CodeConflict,
		Message: "ETag out of date",
	}
}

// DuplicateLogin reports that a user already has a login for provider.
func DuplicateLogin(provider string) *AppError {
	return &AppError{
		Err:     ErrDuplicateLogin,
		Code:    CodeLoginExists,
		Message: fmt.Sprintf("a login for provider %s is already associated with this user", provider),
		Field:   "loginProvider",
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized returns an AppError for a request without valid credentials.
// The message is shown to clients, so keep it generic.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// InvalidArgument reports a programming error on the caller's side.
func InvalidArgument(name string) error {
	return fmt.Errorf("%w: %s must not be empty", ErrInvalidArgument, name)
}
