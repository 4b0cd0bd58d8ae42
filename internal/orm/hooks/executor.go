package hooks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/entity"
)

// ErrHookFailed wraps the error of a synchronous hook
var ErrHookFailed = errors.New("hook failed")

// Executor runs registered hooks for instances passing through a flush
type Executor struct {
	registry *Registry
	queue    *AsyncQueue
	logger   *zap.Logger
}

// NewExecutor creates an executor. queue may be nil, in which case
// deferred hooks run inline after the write.
func NewExecutor(registry *Registry, queue *AsyncQueue, logger *zap.Logger) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, queue: queue, logger: logger.Named("hooks")}
}

// Registry returns the executor's hook registry
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Run fires the event's hooks for each instance in order. The first
// synchronous failure stops the run. Deferred hooks are ignored on
// before-events.
func (e *Executor) Run(ctx context.Context, event Event, instances []*entity.Instance) error {
	if len(instances) == 0 || !e.registry.HasHooks(event) {
		return nil
	}

	for _, inst := range instances {
		for _, hook := range e.registry.Hooks(inst.Name(), event) {
			if hook.IsAsync() {
				if event.IsAfter() {
					e.enqueue(ctx, event, hook, inst)
				}
				continue
			}
			if hook.Fn == nil {
				continue
			}
			if err := hook.Fn(ctx, inst); err != nil {
				return fmt.Errorf("%w: %s %s on %s: %w", ErrHookFailed, event, hook.Name, inst, err)
			}
		}
	}
	return nil
}

func (e *Executor) enqueue(ctx context.Context, event Event, hook *Hook, inst *entity.Instance) {
	rec, err := snapshot(inst)
	if err != nil {
		e.logger.Warn("hook snapshot failed", zap.String("hook", hook.Name), zap.Stringer("instance", inst), zap.Error(err))
		return
	}

	if e.queue == nil {
		if err := hook.Deferred(ctx, rec); err != nil {
			e.logger.Warn("deferred hook failed", zap.String("hook", hook.Name), zap.Error(err))
		}
		return
	}

	task := AsyncTask{
		Name: fmt.Sprintf("%s:%s:%s", rec.Entity, event, hook.Name),
		Fn: func(ctx context.Context) error {
			return hook.Deferred(ctx, rec)
		},
	}
	if err := e.queue.Enqueue(task); err != nil {
		e.logger.Warn("failed to enqueue hook", zap.String("task", task.Name), zap.Error(err))
	}
}

// snapshot copies an instance's columns so deferred hooks never share
// state with the session
func snapshot(inst *entity.Instance) (Record, error) {
	cols, err := inst.Columns()
	if err != nil {
		return Record{}, err
	}
	key := make(entity.Key, len(inst.Key()))
	copy(key, inst.Key())
	return Record{Entity: inst.Name(), Key: key, Columns: cols}, nil
}
