package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for loom tracing.
const tracerName = "github.com/loomery/loom"

// Tracing returns middleware that wraps step execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
//
// Span attributes include: loom.transaction.id, loom.workflow.id,
// loom.step.name, loom.step.attempt, loom.step.compensating. On error,
// the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		name := "loom.step.execute"
		if inv.Compensating {
			name = "loom.step.compensate"
		}
		ctx, span := tracer.Start(ctx, name,
			trace.WithAttributes(
				attribute.String("loom.transaction.id", inv.TransactionID.String()),
				attribute.String("loom.workflow.id", inv.WorkflowID),
				attribute.String("loom.step.name", inv.StepName),
				attribute.Int("loom.step.attempt", inv.Attempt),
				attribute.Bool("loom.step.compensating", inv.Compensating),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
