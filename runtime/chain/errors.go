package chain

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

// RunErrorCode classifies the error that ended a run.
type RunErrorCode string

const (
	CodeUnknown               RunErrorCode = "unknown_error"
	CodeAIRun                 RunErrorCode = "ai_run_error"
	CodeRateLimit             RunErrorCode = "rate_limit_error"
	CodeMaxStepCountExceeded  RunErrorCode = "max_step_count_exceeded_error"
	CodeAbort                 RunErrorCode = "abort_error"
	CodeAIProviderConfig      RunErrorCode = "ai_provider_config_error"
	CodeInvalidResponseFormat RunErrorCode = "invalid_response_format_error"
)

var (
	// ErrInvalidState is wrapped by every error returned for an operation
	// invoked in the wrong state.
	ErrInvalidState = errors.New("chain: invalid state")

	ErrNotStarted      = fmt.Errorf("%w: stream not started", ErrInvalidState)
	ErrAlreadyStarted  = fmt.Errorf("%w: chain already started", ErrInvalidState)
	ErrAlreadyFinished = fmt.Errorf("%w: chain already finished", ErrInvalidState)
	ErrStepOpen        = fmt.Errorf("%w: tried to start a new step without completing the previous one", ErrInvalidState)
	ErrNoStep          = fmt.Errorf("%w: tried to complete step without starting it", ErrInvalidState)

	// ErrEventIntegrity is wrapped by errors reporting events leaking across
	// runs.
	ErrEventIntegrity = errors.New("chain: event integrity violation")

	ErrEventMismatch = fmt.Errorf("%w: forwarded event has different errorable uuid", ErrEventIntegrity)
)

// ChainError is the error a run ends with. It is delivered on the Err signal
// and serialized into the chain-error event.
type ChainError struct {
	Code    RunErrorCode
	Message string
	Cause   error
	stack   string
}

// NewChainError builds a ChainError and captures the caller's stack.
func NewChainError(code RunErrorCode, message string, cause error) *ChainError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ChainError{Code: code, Message: message, Cause: cause, stack: callers(3)}
}

func (e *ChainError) Error() string { return e.Message }

func (e *ChainError) Unwrap() error { return e.Cause }

// Name returns the error name reported in chain-error events.
func (e *ChainError) Name() string { return "ChainError" }

// Stack returns the stack captured at construction.
func (e *ChainError) Stack() string { return e.stack }

// AsChainError converts err into a ChainError. Existing ChainErrors are
// returned as is; other errors are classified: cancellation and deadlines
// abort, provider
// rate limits map to rate_limit_error, provider failures to ai_run_error or
// ai_provider_config_error.
func AsChainError(err error) *ChainError {
	if err == nil {
		return nil
	}
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce
	}
	code := CodeUnknown
	if pe, ok := model.AsProviderError(err); ok {
		switch pe.Kind() {
		case model.ProviderErrorKindRateLimited:
			code = CodeRateLimit
		case model.ProviderErrorKindAuth:
			code = CodeAIProviderConfig
		default:
			code = CodeAIRun
		}
	} else if errors.Is(err, model.ErrRateLimited) {
		code = CodeRateLimit
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = CodeAbort
	}
	return &ChainError{Code: code, Message: err.Error(), Cause: err, stack: callers(3)}
}

func callers(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
