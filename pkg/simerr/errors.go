// Package simerr defines the typed error used across the engine bridge.
package simerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error carries a code, context and an optional suggestion for the operator.
type Error struct {
	// Code identifies the error type
	Code Code

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// Code identifies categories of errors
type Code string

const (
	// Launch errors
	CodeLaunchFailed  Code = "LAUNCH_FAILED"
	CodeLaunchTimeout Code = "LAUNCH_TIMEOUT"

	// Allocation errors
	CodeNoCapacity     Code = "NO_CAPACITY"
	CodeManagedModeOff Code = "MANAGED_MODE_OFF"
	CodePortNotInUse   Code = "PORT_NOT_IN_USE"

	// Connection and protocol errors
	CodeHandshakeTimeout   Code = "HANDSHAKE_TIMEOUT"
	CodeConnectionClosed   Code = "CONNECTION_CLOSED"
	CodeSocketTimeout      Code = "SOCKET_TIMEOUT"
	CodeSocketError        Code = "SOCKET_ERROR"
	CodeProtocolError      Code = "PROTOCOL_ERROR"
	CodeManagerUnreachable Code = "MANAGER_UNREACHABLE"

	// Session errors
	CodeFirstFrameDone    Code = "FIRST_FRAME_DONE"
	CodeEpisodeTerminated Code = "EPISODE_TERMINATED"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidCommand    Code = "INVALID_COMMAND"

	// Configuration errors
	CodeInvalidConfiguration Code = "INVALID_CONFIGURATION"
)

// Error implements the error interface
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Code, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "Context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, "Suggestion: "+e.Suggestion)
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error with a cause attached.
func Wrap(code Code, cause error, message string) *Error {
	return New(code, message).WithCause(cause)
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// IsCode reports whether any error in err's chain is an *Error with code.
func IsCode(err error, code Code) bool {
	var se *Error
	for err != nil {
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// GetCode returns the code of the outermost *Error in err's chain, or "".
func GetCode(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Common constructors

// ErrNoCapacity is returned when the pool is full and every instance is locked.
func ErrNoCapacity(max int) *Error {
	return New(CodeNoCapacity, "no free engine instance and the pool is at capacity").
		WithContext("max_instances", max).
		WithSuggestion("Raise pool.max_instances or close idle sessions")
}

// ErrManagedModeOff is returned when dynamic instance creation is disabled.
func ErrManagedModeOff() *Error {
	return New(CodeManagedModeOff, "no free engine instance and managed mode is off").
		WithSuggestion("Attach running engines with AddExisting or enable pool.managed")
}

// ErrLaunchFailed reports an engine that exited before signaling readiness.
func ErrLaunchFailed(instanceID string, output string, cause error) *Error {
	return New(CodeLaunchFailed, "engine process finished before it was ready").
		WithContext("instance_id", instanceID).
		WithContext("output", output).
		WithCause(cause).
		WithSuggestion("Inspect the engine output above; check JAVA_HOME and the asset directory")
}

// ErrManagerUnreachable reports that the remote pool manager cannot be reached.
func ErrManagerUnreachable(addr string, cause error) *Error {
	return New(CodeManagerUnreachable, "pool manager is unreachable").
		WithContext("addr", addr).
		WithCause(cause).
		WithSuggestion("Start it with: simbridge pool serve")
}
