// Tracing instrumentation for the executor.
package executor

import (
	"context"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/specpilot/internal/plan"
	"github.com/vinayprograms/specpilot/internal/resume"
)

// startTaskSpan starts a span for a Start or Resume call.
func startTaskSpan(ctx context.Context, task string, resumed bool) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "task.run")
	span.SetAttributes(attribute.Bool("task.resumed", resumed))
	if tracer.Debug() {
		span.SetAttributes(attribute.String("task.text", truncate(task, 2000)))
	}
	return ctx, span
}

// endTaskSpan ends the task span with the resulting status.
func endTaskSpan(span trace.Span, status Status, err error) {
	span.SetAttributes(attribute.String("task.status", string(status)))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startStepSpan starts a span for one plan step.
func startStepSpan(ctx context.Context, index int, step plan.Step) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "step."+step.ID)
	span.SetAttributes(
		attribute.Int("step.index", index),
		attribute.String("step.specialist", step.Specialist),
	)
	return ctx, span
}

// endStepSpan ends the step span with the specialist outcome.
func endStepSpan(span trace.Span, out resume.Outcome) {
	span.SetAttributes(attribute.String("step.outcome", string(out.Kind)))
	if out.Loop != nil {
		span.SetAttributes(attribute.Int("step.iterations", out.Loop.Iteration))
	}
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	span.End()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
