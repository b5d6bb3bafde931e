package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderErrorKind classifies provider failures for retry and reporting
// decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates retrying the same request will
	// not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates the provider is throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient failure (5xx, network).
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

type (
	// ProviderError describes a failure returned by a model provider. It
	// crosses package boundaries so the chain can report stable details in
	// chain-error events.
	ProviderError struct {
		provider  string
		operation string
		status    int
		kind      ProviderErrorKind
		code      string
		message   string
		retryable bool
		cause     error
	}

	// ProviderErrorSpec holds the fields of a ProviderError.
	ProviderErrorSpec struct {
		Provider   string
		Operation  string
		HTTPStatus int
		Kind       ProviderErrorKind
		Code       string
		Message    string
		Retryable  bool
		Cause      error
	}
)

// NewProviderError constructs a ProviderError. Provider and Kind are required.
func NewProviderError(spec ProviderErrorSpec) *ProviderError {
	if spec.Provider == "" {
		panic("model: provider is required")
	}
	if spec.Kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  spec.Provider,
		operation: spec.Operation,
		status:    spec.HTTPStatus,
		kind:      spec.Kind,
		code:      spec.Code,
		message:   spec.Message,
		retryable: spec.Retryable,
		cause:     spec.Cause,
	}
}

// ClassifyHTTPStatus maps an HTTP status to a kind and retryability.
func ClassifyHTTPStatus(status int) (ProviderErrorKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth, false
	case status >= 400 && status < 500:
		return ProviderErrorKindInvalidRequest, false
	case status >= 500:
		return ProviderErrorKindUnavailable, true
	default:
		return ProviderErrorKindUnknown, false
	}
}

// Provider returns the provider identifier (for example "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code, or 0.
func (e *ProviderError) HTTPStatus() int { return e.status }

// Kind returns the coarse-grained classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Code returns the provider-specific error code.
func (e *ProviderError) Code() string { return e.code }

// Message returns the provider error message.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed unchanged.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.status > 0 {
		status = fmt.Sprintf("%d ", e.status)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

// Unwrap returns the underlying error. Rate limited errors also match
// ErrRateLimited.
func (e *ProviderError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	if e.kind == ProviderErrorKindRateLimited {
		errs = append(errs, ErrRateLimited)
	}
	return errs
}

// AsProviderError returns the first ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
