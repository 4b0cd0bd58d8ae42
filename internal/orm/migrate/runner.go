package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/transaction"
)

// Plan is the schema generated for a registry
type Plan struct {
	Version    string
	Statements []string
	// Applied is set by Apply when the statements ran
	Applied bool
}

// Runner applies generated schemas inside a transaction
type Runner struct {
	tx        *transaction.Manager
	generator *Generator
	tracker   *Tracker
	logger    *zap.Logger
}

// NewRunner creates a runner executing through tx
func NewRunner(tx *transaction.Manager, d query.Dialect, logger *zap.Logger) (*Runner, error) {
	gen, err := NewGenerator(d)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		tx:        tx,
		generator: gen,
		tracker:   NewTracker(d),
		logger:    logger.Named("migrate"),
	}, nil
}

// Plan generates the statements and version for registry
func (r *Runner) Plan(registry *schema.Registry) (Plan, error) {
	stmts, err := r.generator.Generate(registry)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Version: Version(stmts), Statements: stmts}, nil
}

// Apply creates the registry's tables unless the same schema version was
// applied before. Every statement and the version record commit together.
func (r *Runner) Apply(ctx context.Context, registry *schema.Registry) (Plan, error) {
	plan, err := r.Plan(registry)
	if err != nil {
		return plan, err
	}

	start := time.Now()
	err = r.tx.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := r.tracker.Initialize(ctx, tx); err != nil {
			return err
		}
		applied, err := r.tracker.IsApplied(ctx, tx, plan.Version)
		if err != nil || applied {
			return err
		}
		for i, stmt := range plan.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		if err := r.tracker.Record(ctx, tx, plan.Version, len(plan.Statements)); err != nil {
			return err
		}
		plan.Applied = true
		return nil
	})
	if err != nil {
		plan.Applied = false
		return plan, fmt.Errorf("apply schema %s: %w", plan.Version, err)
	}

	if plan.Applied {
		r.logger.Info("schema applied",
			zap.String("version", plan.Version),
			zap.Int("tables", len(plan.Statements)),
			zap.Duration("took", time.Since(start)),
		)
	} else {
		r.logger.Debug("schema up to date", zap.String("version", plan.Version))
	}
	return plan, nil
}

// History returns the applied versions, oldest first
func (r *Runner) History(ctx context.Context) ([]AppliedVersion, error) {
	q := transaction.QuerierFrom(ctx, r.tx.DB())
	if err := r.tracker.Initialize(ctx, q); err != nil {
		return nil, err
	}
	return r.tracker.Applied(ctx, q)
}
