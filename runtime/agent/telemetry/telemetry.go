// Package telemetry defines the logging, metrics and tracing seams used by the
// session workers and the agent cascade. Production code wires the Clue/OTEL
// implementations; tests use the noop variants or small recording stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Key/value pairs alternate
	// (k1, v1, k2, v2, ...); non-string keys are dropped.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and latency histograms. Tags alternate
	// (k1, v1, k2, v2, ...) and become metric attributes.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around agent turns and log dispatches.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the worker and orchestrator.
const (
	MetricEventsHandled = "chorus.events.handled"
	MetricEventsFailed  = "chorus.events.failed"
	MetricTurnDuration  = "chorus.turn.duration"
	MetricTurnFailed    = "chorus.turn.failed"
	MetricLockTimeout   = "chorus.lock.timeout"
)
