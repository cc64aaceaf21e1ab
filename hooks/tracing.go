package hooks

import (
	"context"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingHook starts a client span per query. Spans of queries run by a
// Manager are named after the model operation, e.g. "User.Create".
type TracingHook struct {
	tracer trace.Tracer
}

var _ bun.QueryHook = (*TracingHook)(nil)

// NewTracingHook creates a new tracing hook
func NewTracingHook(tracer trace.Tracer) *TracingHook {
	return &TracingHook{tracer: tracer}
}

func (h *TracingHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	if h.tracer == nil {
		return ctx
	}

	name := "db." + OperationType(event.Query)
	attrs := []attribute.KeyValue{attribute.String("db.system", "postgresql")}
	if op, ok := OperationFrom(ctx); ok {
		name = op.Model + "." + op.Op
		attrs = append(attrs,
			attribute.String("modelkit.model", op.Model),
			attribute.String("modelkit.operation", op.Op),
		)
	}

	ctx, _ = h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx
}

func (h *TracingHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if h.tracer == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	defer span.End()

	span.SetAttributes(
		attribute.String("db.statement", truncate(event.Query)),
		attribute.String("db.operation", OperationType(event.Query)),
	)
	if table := QueryTable(event); table != "" {
		span.SetAttributes(attribute.String("db.sql.table", table))
	}

	if event.Err != nil {
		span.RecordError(event.Err)
		span.SetStatus(codes.Error, event.Err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
