// Package telemetry defines the logging, metrics and tracing seams used by the
// chain runtime, together with Clue/OpenTelemetry and no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime. Keys and
// values alternate in keyvals.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// configured OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
//	ctx, span := tracer.Start(ctx, "chain.provider_step")
//	defer span.End()
//	span.SetStatus(codes.Ok, "completed")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Bundle groups the three telemetry seams. Zero fields are replaced with no-op
// implementations by WithDefaults.
type Bundle struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// WithDefaults returns b with nil members replaced by no-op implementations.
func (b Bundle) WithDefaults() Bundle {
	if b.Logger == nil {
		b.Logger = NewNoopLogger()
	}
	if b.Metrics == nil {
		b.Metrics = NewNoopMetrics()
	}
	if b.Tracer == nil {
		b.Tracer = NewNoopTracer()
	}
	return b
}

// NewClue returns a Bundle backed by Clue logging and the global
// OpenTelemetry providers.
func NewClue() Bundle {
	return Bundle{Logger: NewClueLogger(), Metrics: NewClueMetrics(), Tracer: NewClueTracer()}
}
