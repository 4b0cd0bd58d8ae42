package datasource

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/conduit-lang/relkit/datasource"

type tracingSource struct {
	next   DataSource
	tracer trace.Tracer
}

// WithTracing records a span per fetch and write. A nil provider uses the
// global one.
func WithTracing(next DataSource, provider trace.TracerProvider) DataSource {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &tracingSource{next: next, tracer: provider.Tracer(instrumentationName)}
}

func (s *tracingSource) Fetch(ctx context.Context, req FetchRequest) ([]Row, error) {
	ctx, span := s.tracer.Start(ctx, "relkit.fetch", trace.WithAttributes(
		attribute.String("db.entity", req.Entity),
		attribute.String("db.sql.table", req.Table),
		attribute.StringSlice("relkit.populate", req.Populate),
	))
	defer span.End()

	rows, err := s.next.Fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.rows", len(rows)))
	return rows, nil
}

func (s *tracingSource) Write(ctx context.Context, batch []Mutation) error {
	ctx, span := s.tracer.Start(ctx, "relkit.write", trace.WithAttributes(
		attribute.Int("db.mutations", len(batch)),
	))
	defer span.End()

	if err := s.next.Write(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *tracingSource) Close() error {
	return Close(s.next)
}
