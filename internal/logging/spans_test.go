package logging

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSpanExporter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewSpanExporter(zap.New(core))))

	_, span := provider.Tracer("test").Start(context.Background(), "relkit.fetch")
	span.SetAttributes(
		attribute.String("db.entity", "User"),
		attribute.Int("db.rows", 2),
		attribute.StringSlice("relkit.populate", []string{"profile"}),
	)
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	entries := logs.FilterMessage("relkit.fetch").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 span line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if entries[0].LoggerName != "trace" {
		t.Errorf("expected trace logger, got %q", entries[0].LoggerName)
	}
	if fields["db.entity"] != "User" {
		t.Errorf("expected entity field, got %v", fields["db.entity"])
	}
	if fields["db.rows"] != int64(2) {
		t.Errorf("expected rows field 2, got %v", fields["db.rows"])
	}
	if _, ok := fields["trace_id"]; !ok {
		t.Error("expected trace_id field")
	}
}
