package datasource

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/query"
)

// LogOptions selects what the logging decorator records
type LogOptions struct {
	// Dialect renders statements in log lines; nil means Postgres
	Dialect query.Dialect
	// Params adds bound parameter values to query log lines
	Params bool
}

type loggingSource struct {
	next   DataSource
	logger *zap.Logger
	opts   LogOptions
}

// WithLogging logs every fetch and write at debug level, errors at warn
func WithLogging(next DataSource, logger *zap.Logger, opts LogOptions) DataSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dialect == nil {
		opts.Dialect = query.Postgres
	}
	return &loggingSource{next: next, logger: logger.Named("query"), opts: opts}
}

func (s *loggingSource) Fetch(ctx context.Context, req FetchRequest) ([]Row, error) {
	start := time.Now()
	rows, err := s.next.Fetch(ctx, req)

	fields := []zap.Field{zap.String("entity", req.Entity), zap.Duration("took", time.Since(start))}
	if sql, args, renderErr := req.Statement(s.opts.Dialect); renderErr == nil {
		fields = append(fields, zap.String("sql", sql))
		if s.opts.Params {
			fields = append(fields, zap.Any("params", args))
		}
	}
	if err != nil {
		s.logger.Warn("fetch failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	s.logger.Debug("fetch", append(fields, zap.Int("rows", len(rows)))...)
	return rows, nil
}

func (s *loggingSource) Write(ctx context.Context, batch []Mutation) error {
	start := time.Now()
	err := s.next.Write(ctx, batch)

	if s.logger.Core().Enabled(zap.DebugLevel) {
		for _, m := range batch {
			fields := []zap.Field{zap.String("entity", m.Entity), zap.Stringer("kind", m.Kind)}
			if sql, args, renderErr := m.Statement(s.opts.Dialect); renderErr == nil {
				fields = append(fields, zap.String("sql", sql))
				if s.opts.Params {
					fields = append(fields, zap.Any("params", args))
				}
			}
			s.logger.Debug("mutation", fields...)
		}
	}
	if err != nil {
		s.logger.Warn("write failed", zap.Int("mutations", len(batch)), zap.Error(err))
		return err
	}
	s.logger.Debug("write", zap.Int("mutations", len(batch)), zap.Duration("took", time.Since(start)))
	return nil
}

func (s *loggingSource) Close() error {
	return Close(s.next)
}
