package logging

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// SpanExporter writes finished spans to a logger at debug level
type SpanExporter struct {
	logger *zap.Logger
}

// NewSpanExporter returns an exporter logging to logger's "trace" child
func NewSpanExporter(logger *zap.Logger) *SpanExporter {
	return &SpanExporter{logger: logger.Named("trace")}
}

// ExportSpans logs one line per span
func (e *SpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := []zap.Field{
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.Duration("took", span.EndTime().Sub(span.StartTime())),
		}
		for _, kv := range span.Attributes() {
			fields = append(fields, attributeField(kv))
		}
		if status := span.Status(); status.Description != "" {
			fields = append(fields, zap.String("error", status.Description))
		}
		e.logger.Debug(span.Name(), fields...)
	}
	return ctx.Err()
}

// Shutdown flushes the logger
func (e *SpanExporter) Shutdown(context.Context) error {
	_ = e.logger.Sync()
	return nil
}

func attributeField(kv attribute.KeyValue) zap.Field {
	key := string(kv.Key)
	switch kv.Value.Type() {
	case attribute.INT64:
		return zap.Int64(key, kv.Value.AsInt64())
	case attribute.BOOL:
		return zap.Bool(key, kv.Value.AsBool())
	case attribute.STRINGSLICE:
		return zap.Strings(key, kv.Value.AsStringSlice())
	default:
		return zap.String(key, kv.Value.Emit())
	}
}

var _ sdktrace.SpanExporter = (*SpanExporter)(nil)
