// Package errors provides error codes and the network/server classification
// shared by the API client, the mutation queue and the offline orchestrator.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be surfaced to the UI shell.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Remote API errors
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrServerRejected ErrorCode = "SERVER_REJECTED"

	// Offline policy errors
	ErrRequiresInternet ErrorCode = "REQUIRES_INTERNET"

	// Local persistence errors
	ErrPersistence          ErrorCode = "PERSISTENCE_ERROR"
	ErrCacheVersionMismatch ErrorCode = "CACHE_VERSION_MISMATCH"

	// Configuration errors
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
)

// AppError represents an application error with code and message.
// Status and Body are only set for ErrServerRejected.
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int
	Body    []byte
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Network reports that a request never got a response from the server.
func Network(message string, err error) *AppError {
	return Wrap(ErrNetwork, message, err)
}

// ServerRejected reports a response with a non-success status.
func ServerRejected(message string, status int, body []byte) *AppError {
	return &AppError{
		Code:    ErrServerRejected,
		Message: message,
		Status:  status,
		Body:    body,
	}
}

// Is checks if err, or any error it wraps, is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNetwork reports whether err is network-classified: no server response
// was received. Only these failures are eligible for queueing.
func IsNetwork(err error) bool {
	return Is(err, ErrNetwork)
}

// IsServerRejected reports whether the server answered with an error status.
func IsServerRejected(err error) bool {
	return Is(err, ErrServerRejected)
}

// StatusOf returns the HTTP status carried by a server rejection, or 0.
func StatusOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
