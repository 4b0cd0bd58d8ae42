package commands

import (
	"context"
	"errors"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/cli/config"
	"github.com/conduit-lang/relkit/internal/logging"
	"github.com/conduit-lang/relkit/internal/orm/cache"
	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/datasource/sqlstore"
	"github.com/conduit-lang/relkit/internal/orm/filter"
	"github.com/conduit-lang/relkit/internal/orm/hooks"
	"github.com/conduit-lang/relkit/internal/orm/manifest"
	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/session"
	"github.com/conduit-lang/relkit/internal/orm/transaction"
	"github.com/conduit-lang/relkit/internal/orm/validation"
)

// environment is everything a command needs after config and manifest load
type environment struct {
	config   *config.Config
	logger   *zap.Logger
	registry *schema.Registry
	filters  *filter.Engine
	noColor  bool

	shutdown []func(context.Context) error
}

func loadEnvironment(opts *rootOptions) (*environment, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	path := cfg.ManifestPath()
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	registry, filters, err := m.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Debug("manifest loaded",
		zap.String("path", path),
		zap.Int("entities", registry.Count()),
		zap.Strings("filters", filters.Names()),
	)

	return &environment{
		config:   cfg,
		logger:   logger,
		registry: registry,
		filters:  filters,
		noColor:  opts.noColor,
	}, nil
}

// openStore connects to the configured database
func (e *environment) openStore(ctx context.Context) (*sqlstore.Store, error) {
	db := e.config.Database
	url := e.config.DatabaseURL()
	if url == "" {
		return nil, errors.New("database.url is not set (or set DATABASE_URL)")
	}

	isolation, err := transaction.ParseIsolationLevel(db.Isolation)
	if err != nil {
		return nil, err
	}
	retry := transaction.DefaultRetryConfig()
	retry.MaxRetries = db.MaxRetries
	txOpts := []transaction.Option{
		transaction.WithIsolation(isolation),
		transaction.WithRetryConfig(retry),
	}
	if db.Timeout > 0 {
		txOpts = append(txOpts, transaction.WithTimeout(db.Timeout))
	}

	return sqlstore.Open(ctx, db.Driver, url, txOpts...)
}

// openSource stacks the configured decorators over the SQL store. From the
// session inwards: tracing, cache, query logging, store.
func (e *environment) openSource(ctx context.Context) (datasource.DataSource, error) {
	store, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}

	var source datasource.DataSource = store
	if e.config.Log.Has("query") || e.config.Log.Has("query-params") {
		source = datasource.WithLogging(source, e.logger, datasource.LogOptions{
			Dialect: store.Dialect(),
			Params:  e.config.Log.Has("query-params"),
		})
	}

	if c := e.config.Cache; c.Enabled {
		backend, err := cache.NewRedisBackend(ctx, cache.RedisConfig{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			Config:   cache.Config{DefaultTTL: c.TTL, Prefix: c.Prefix},
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("cache: %w", err)
		}
		source = cache.New(source, backend, cache.Options{TTL: c.TTL, Logger: e.logger.Named("cache")})
	}

	if e.config.Tracing.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(logging.NewSpanExporter(e.logger)))
		e.shutdown = append(e.shutdown, provider.Shutdown)
		source = datasource.WithTracing(source, provider)
	}

	return source, nil
}

// newHooks validates required fields before every write and logs each
// committed write from the async queue
func (e *environment) newHooks() *hooks.Executor {
	registry := hooks.NewRegistry()
	validation.Register(registry)

	logger := e.logger.Named("audit")
	audit := &hooks.Hook{
		Name: "audit",
		Deferred: func(ctx context.Context, rec hooks.Record) error {
			logger.Info("written", zap.String("entity", rec.Entity), zap.Stringer("key", rec.Key))
			return nil
		},
	}
	registry.Register(hooks.AnyEntity, hooks.AfterInsert, audit)
	registry.Register(hooks.AnyEntity, hooks.AfterUpdate, audit)

	queue := hooks.NewAsyncQueue(e.config.Session.HookWorkers, e.logger.Named("hooks"))
	queue.Start()
	e.shutdown = append(e.shutdown, func(context.Context) error {
		queue.Shutdown()
		return nil
	})
	return hooks.NewExecutor(registry, queue, e.logger)
}

// newSession opens the data source and a session owning it
func (e *environment) newSession(ctx context.Context) (*session.Session, error) {
	source, err := e.openSource(ctx)
	if err != nil {
		return nil, err
	}
	s, err := session.New(session.Options{
		Registry:  e.registry,
		Source:    source,
		Filters:   e.filters,
		Logger:    e.logger,
		MaxDepth:  e.config.Session.MaxDepth,
		BatchSize: e.config.Session.BatchSize,
		Hooks:     e.newHooks(),
	})
	if err != nil {
		_ = datasource.Close(source)
		return nil, err
	}
	return s, nil
}

func (e *environment) close(ctx context.Context) {
	for _, fn := range e.shutdown {
		if err := fn(ctx); err != nil {
			e.logger.Warn("shutdown failed", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}
