// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Squadron.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Squadron errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeUnauthorized indicates the acting role lacks the required grant.
	// It signals a policy violation, never a malformed request.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeConflict indicates an optimistic write lost to a concurrent commit.
	// Callers must re-read and retry.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeInvalidInput indicates a malformed trigger, entity, or mutation.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTransient indicates a reasoning-collaborator failure worth retrying.
	CodeTransient ErrorCode = "TRANSIENT_COLLABORATOR"

	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeStoreFatal indicates the backing store is unavailable.
	CodeStoreFatal ErrorCode = "STORE_FATAL"

	// CodeNotFound indicates a referenced record does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeContextLost indicates the context was cancelled mid-operation.
	CodeContextLost ErrorCode = "CONTEXT_LOST"
)

// SquadronError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type SquadronError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *SquadronError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *SquadronError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *SquadronError) MarshalJSON() ([]byte, error) {
	type Alias SquadronError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new SquadronError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *SquadronError {
	return &SquadronError{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Recoverable: recoverableByDefault(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *SquadronError) WithContext(key string, value interface{}) *SquadronError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *SquadronError) WithRecoverable(recoverable bool) *SquadronError {
	e.Recoverable = recoverable
	return e
}

// AsSquadronError attempts to convert an error to a SquadronError.
// Returns the error as SquadronError if it is one, or wraps it otherwise.
func AsSquadronError(err error) *SquadronError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*SquadronError); ok {
		return se
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the error code, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if se, ok := err.(*SquadronError); ok {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := err.(*SquadronError)
	return ok && se.Code == code
}

// recoverableByDefault maps codes to their retry semantics: transient
// collaborator failures, timeouts, and optimistic conflicts are retryable;
// policy violations and validation failures are not.
func recoverableByDefault(code ErrorCode) bool {
	switch code {
	case CodeTransient, CodeTimeout, CodeConflict:
		return true
	default:
		return false
	}
}
