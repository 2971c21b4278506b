package core

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error kind
type Code string

const (
	CodeInvalidArgs          Code = "INVALID_ARGS"
	CodeToolMissing          Code = "TOOL_MISSING"
	CodeDeviceNotFound       Code = "DEVICE_NOT_FOUND"
	CodeUnsupportedOperation Code = "UNSUPPORTED_OPERATION"
	CodeCommandFailed        Code = "COMMAND_FAILED"
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeUnknown              Code = "UNKNOWN"
)

// Detail keys shared by the boot waiters, the session manager and the CLI.
const (
	DetailReason   = "reason"
	DetailHint     = "hint"
	DetailStdout   = "stdout"
	DetailStderr   = "stderr"
	DetailExitCode = "exitCode"
)

// Error represents a structured error with code and details
type Error struct {
	Code    Code
	Message string                 // Human-readable message
	Details map[string]interface{} // Additional context (raw output, reason, hint)
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of the error with the given cause
func (e *Error) WithCause(cause error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: merged,
		Cause:   e.Cause,
	}
}

// Hint returns the remediation hint stored in the details, if any.
func (e *Error) Hint() string {
	hint, _ := e.Details[DetailHint].(string)
	return hint
}

// Reason returns the classified failure reason stored in the details, if any.
func (e *Error) Reason() string {
	reason, _ := e.Details[DetailReason].(string)
	return reason
}

// NewError creates a new Error with the given code and message
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError returns the first *Error in the chain, or wraps err as CodeUnknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeUnknown, Message: err.Error(), Cause: err}
}

// HasCode reports whether any *Error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// Truncate shortens raw tool output kept in error details.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
