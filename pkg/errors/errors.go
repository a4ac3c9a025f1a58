package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Credential rejected at connect time. Never retried automatically.
	ErrCodeAuth ErrorCode = "AUTH_ERROR"

	// Transport unavailable, dropped, or exhausted its reconnect attempts
	ErrCodeNetwork ErrorCode = "NETWORK_ERROR"

	// Callee or caller already has a non-terminal call session
	ErrCodeBusy ErrorCode = "BUSY"

	// Unknown call id, wrong phase, or a party that is not a participant
	ErrCodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// Malformed payload rejected at the boundary
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message.
// The status code defaults to 500 Internal Server Error.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func AuthError(message string) *AppError {
	return New(ErrCodeAuth, message)
}

func NetworkError(message string, err error) *AppError {
	return Wrap(ErrCodeNetwork, message, err)
}

func BusyError(message string) *AppError {
	return New(ErrCodeBusy, message)
}

func ProtocolError(message string) *AppError {
	return New(ErrCodeProtocol, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func NotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal for anything else. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code anywhere in its chain
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodeAuth:
		return http.StatusUnauthorized
	case ErrCodeBusy:
		return http.StatusConflict
	case ErrCodeProtocol, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
