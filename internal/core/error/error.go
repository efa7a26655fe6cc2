package errx

import (
	"errors"
	"fmt"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// PostgresErrorMessage describes database failures.
	PostgresErrorMessage = "database operation failed"
	// PostgresNotFoundMessage describes an empty lookup.
	PostgresNotFoundMessage = "record not found"

	// ApologyMessage is returned by the orchestrator whenever an agent fails.
	ApologyMessage = "I apologize, but I encountered an error processing your request. Please try again."
	// UnexpectedErrorMessage is returned by the chat endpoint on an unhandled failure.
	UnexpectedErrorMessage = "Sorry, an unexpected internal error occurred while processing your request."
	// MissingMessageKey is returned when the chat body is malformed.
	MissingMessageKey = "Invalid request format. 'message' key is missing."
	// EmptyMessage is returned when the chat message is blank.
	EmptyMessage = "Please type a message!"
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// StatusOf returns the HTTP status carried by err, or fallback when err is not an AppError.
func StatusOf(err error, fallback int) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return fallback
}
