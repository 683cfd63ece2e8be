package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// traced runs fn inside a span named name and records its outcome on the span
func (t *Telemetry) traced(ctx context.Context, name string, fn func(context.Context) error, opts ...trace.SpanStartOption) error {
	ctx, span := t.StartSpan(ctx, name, opts...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration.seconds", time.Since(start).Seconds()),
	)
	return err
}

// InstrumentWorkflowNode wraps one research loop state in a
// workflow.node.<name> span
func (t *Telemetry) InstrumentWorkflowNode(ctx context.Context, nodeName string, phase string, fn func(context.Context) error) error {
	return t.traced(ctx, "workflow.node."+nodeName, fn, trace.WithAttributes(
		attribute.String("node.name", nodeName),
		attribute.String("phase", phase),
	))
}

// InstrumentBackendCall wraps one outbound search or crawler request. kind is
// "search" or "crawl".
func (t *Telemetry) InstrumentBackendCall(ctx context.Context, kind, backend string, fn func(context.Context) error) error {
	return t.traced(ctx, kind+"."+backend, fn,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.kind", kind),
			attribute.String("backend.name", backend),
		),
	)
}

// InstrumentToolExecution wraps the run of a tool the chat model called
func (t *Telemetry) InstrumentToolExecution(ctx context.Context, toolName string, fn func(context.Context) error) error {
	return t.traced(ctx, "tool."+toolName, fn, trace.WithAttributes(
		attribute.String("tool.name", toolName),
	))
}

// StartResearchRequest starts the root span of a quick search or deep
// research run. sessionID is empty for quick searches.
func (t *Telemetry) StartResearchRequest(ctx context.Context, sessionID, mode, conversation string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("research.mode", mode),
		attribute.Int("conversation.length", len(conversation)),
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String("session.id", sessionID))
	}
	return t.StartSpan(ctx, "research."+mode, trace.WithAttributes(attrs...))
}
