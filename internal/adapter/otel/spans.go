package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentflow"

// StartRunSpan starts a span for a workflow run.
func StartRunSpan(ctx context.Context, runID, definition string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.definition", definition),
		),
	)
}

// StartTaskSpan starts a span for a capability task execution.
func StartTaskSpan(ctx context.Context, taskID, capability string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.capability", capability),
		),
	)
}

// StartSessionSpan starts a span for a collaboration session.
func StartSessionSpan(ctx context.Context, sessionID string, subGoals int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("session.sub_goals", subGoals),
		),
	)
}
