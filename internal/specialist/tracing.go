package specialist

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startIterationSpan starts a span for one specialist iteration.
func startIterationSpan(ctx context.Context, specialist, stepID string, iteration int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "specialist."+specialist)
	span.SetAttributes(
		attribute.String("specialist.name", specialist),
		attribute.String("specialist.step", stepID),
		attribute.Int("specialist.iteration", iteration),
	)
	return ctx, span
}

// endIterationSpan ends the iteration span with the directive it produced.
func endIterationSpan(span trace.Span, directive string, err error) {
	span.SetAttributes(attribute.String("specialist.directive", directive))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
