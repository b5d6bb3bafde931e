// Package toolerrors provides structured error types for tool invocation
// failures. A ToolError preserves the causal chain, supports errors.Is/As and
// serializes to the inline error payload placed in tool-result messages.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a tool failure.
type Kind string

const (
	// KindExecution is a failure raised by the tool itself.
	KindExecution Kind = "execution"
	// KindNetwork is a transport failure reaching the tool backend.
	KindNetwork Kind = "network"
	// KindValidation is a rejected tool call (bad arguments, unknown tool).
	KindValidation Kind = "validation"
	// KindQuota is an exhausted budget or rate limit on the tool backend.
	KindQuota Kind = "quota"
)

// ToolError represents a structured tool failure. Tool errors may be nested
// via Cause to retain diagnostics across hops.
type ToolError struct {
	// Kind classifies the failure. Empty means KindExecution.
	Kind Kind `json:"kind,omitempty"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Cause links to the underlying tool error.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs an execution ToolError with the provided message.
func New(message string) *ToolError {
	return newKind(KindExecution, message, nil)
}

// NewWithCause constructs a ToolError wrapping cause. The cause is converted
// into a ToolError chain; its kind is inherited when it has one.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	c := FromError(cause)
	kind := KindExecution
	if c != nil && c.Kind != "" {
		kind = c.Kind
	}
	return newKind(kind, message, c)
}

// Network reports a transport failure.
func Network(message string, cause error) *ToolError {
	return newKind(KindNetwork, message, FromError(cause))
}

// Validation reports a rejected tool call.
func Validation(message string, cause error) *ToolError {
	return newKind(KindValidation, message, FromError(cause))
}

// Quota reports an exhausted tool backend budget.
func Quota(message string, cause error) *ToolError {
	return newKind(KindQuota, message, FromError(cause))
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Kind:    KindExecution,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns an execution
// ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Name returns the error name reported in tool-result payloads.
func (e *ToolError) Name() string {
	switch e.Kind {
	case KindNetwork:
		return "NetworkError"
	case KindValidation:
		return "ValidationError"
	case KindQuota:
		return "QuotaError"
	default:
		return "ToolExecutionError"
	}
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is matches another ToolError with the same kind and message.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func newKind(kind Kind, message string, cause *ToolError) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Kind: kind, Message: message, Cause: cause}
}
