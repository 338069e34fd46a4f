package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies lifecycle failures
type ErrorCode string

const (
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	CodePermission ErrorCode = "PERMISSION_DENIED"
	CodeConflict   ErrorCode = "CONFLICT"
	CodeNotFound   ErrorCode = "NOT_FOUND"
	CodeInternal   ErrorCode = "INTERNAL_ERROR"
)

// Error is a classified lifecycle error
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError reports a rejected input or an illegal transition
func NewValidationError(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

// NewPermissionError reports a missing publish capability
func NewPermissionError(message string) *Error {
	return &Error{Code: CodePermission, Message: message}
}

// NewConflictError reports a concurrent modification or a blocking reference
func NewConflictError(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

// NewNotFoundError reports a missing entity, version or work order
func NewNotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// WrapConflict classifies an infrastructure error as a conflict
func WrapConflict(message string, err error) *Error {
	return &Error{Code: CodeConflict, Message: message, Err: err}
}

// CodeOf returns the classification of err, CodeInternal when unclassified
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsValidationError(err error) bool { return err != nil && CodeOf(err) == CodeValidation }
func IsPermissionError(err error) bool { return err != nil && CodeOf(err) == CodePermission }
func IsConflictError(err error) bool   { return err != nil && CodeOf(err) == CodeConflict }
func IsNotFoundError(err error) bool   { return err != nil && CodeOf(err) == CodeNotFound }

// Result is the outcome of a mutating operation as returned to callers
type Result struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Version int       `json:"version,omitempty"`
	Status  Status    `json:"status,omitempty"`
	Error   string    `json:"error,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

// Succeeded builds a successful result
func Succeeded(message string, version int, status Status) *Result {
	return &Result{Success: true, Message: message, Version: version, Status: status}
}

// ResultFromError recovers an error into a failed result.
// Unclassified errors do not leak their text.
func ResultFromError(err error) *Result {
	var e *Error
	if errors.As(err, &e) {
		return &Result{Success: false, Error: e.Message, Code: e.Code}
	}
	return &Result{Success: false, Error: "internal error", Code: CodeInternal}
}
