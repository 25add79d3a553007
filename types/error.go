package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Agent invocation error codes
const (
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrAgentException ErrorCode = "AGENT_EXCEPTION"
)

// Topology error codes
const (
	ErrRoutingLoopExceeded     ErrorCode = "ROUTING_LOOP_EXCEEDED"
	ErrAllAgentsFailed         ErrorCode = "ALL_AGENTS_FAILED"
	ErrNoConsensus             ErrorCode = "NO_CONSENSUS"
	ErrManagerAllWorkersFailed ErrorCode = "MANAGER_ALL_WORKERS_FAILED"
	ErrInvalidTopology         ErrorCode = "INVALID_TOPOLOGY"
	ErrUnknownStage            ErrorCode = "UNKNOWN_STAGE"
)

// Approval state machine error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrUnknownApprovalID ErrorCode = "UNKNOWN_APPROVAL_ID"
	ErrRunHalted         ErrorCode = "RUN_HALTED"
)

// Infrastructure error codes
const (
	ErrInternal    ErrorCode = "INTERNAL_ERROR"
	ErrStoreFailed ErrorCode = "STORE_FAILED"
)

// Error 表示带有错误码、消息和元数据的结构化错误。
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStage records the stage where the error occurred.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithAgent records the agent that produced the error.
func (e *Error) WithAgent(agent string) *Error {
	e.Agent = agent
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError converts any error into a structured *Error.
// Non-structured errors are wrapped as AGENT_EXCEPTION.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: ErrAgentException, Message: err.Error(), Cause: err}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
