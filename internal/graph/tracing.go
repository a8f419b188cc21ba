// Tracing instrumentation for the graph.
package graph

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/nexus/internal/llm"
	"github.com/vinayprograms/nexus/internal/state"
)

// startRunSpan starts the span covering one Run or Resume.
func (g *Graph) startRunSpan(ctx context.Context, threadID, kind string) (context.Context, trace.Span) {
	ctx, span := g.tracer.Start(ctx, "graph.run")
	span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("run.kind", kind),
	)
	return ctx, span
}

// endRunSpan ends the run span with the resting state.
func (g *Graph) endRunSpan(span trace.Span, st *state.ExecutionState, err error) {
	if st != nil {
		span.SetAttributes(
			attribute.String("thread.phase", string(st.Phase)),
			attribute.String("thread.status", string(st.Status)),
			attribute.Int64("thread.step", st.Step),
			attribute.Int("thread.turns", len(st.Turns)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startPhaseSpan starts a span for one phase of the loop.
func (g *Graph) startPhaseSpan(ctx context.Context, name string, st *state.ExecutionState) (context.Context, trace.Span) {
	ctx, span := g.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("thread.id", st.ThreadID),
		attribute.Int64("thread.step", st.Step),
		attribute.String("thread.mode", st.Mode),
	)
	return ctx, span
}

// startToolSpan starts a span for a tool execution.
func (g *Graph) startToolSpan(ctx context.Context, call state.ToolCall) (context.Context, trace.Span) {
	ctx, span := g.tracer.Start(ctx, "tool."+call.Name)
	span.SetAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	return ctx, span
}

func recordUsage(span trace.Span, resp *llm.ChatResponse) {
	span.SetAttributes(
		attribute.String("llm.model", resp.Model),
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
}
