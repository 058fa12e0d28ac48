package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executionTracerName = "vibekan-execution"

func executionTracer() trace.Tracer {
	return Tracer(executionTracerName)
}

// TraceExecutionRun creates the root span for a task execution run.
func TraceExecutionRun(ctx context.Context, executionID, taskID, agentType string) (context.Context, trace.Span) {
	ctx, span := executionTracer().Start(ctx, "execution.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
		attribute.String("task_id", taskID),
		attribute.String("agent_type", agentType),
	)
	return ctx, span
}

// TraceExecutionPhase creates a child span for one phase of the execution
// state machine (creating_worktree, starting, running, cleaning_up).
func TraceExecutionPhase(ctx context.Context, executionID, phase string) (context.Context, trace.Span) {
	ctx, span := executionTracer().Start(ctx, "execution."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("execution_id", executionID),
	)
	return ctx, span
}

// TraceWorktreeOp creates a span for a git worktree operation.
func TraceWorktreeOp(ctx context.Context, op, repoPath, branch string) (context.Context, trace.Span) {
	ctx, span := executionTracer().Start(ctx, "worktree."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("repo_path", repoPath),
		attribute.String("branch", branch),
	)
	return ctx, span
}

// RecordResult records the outcome of an operation on its span.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
