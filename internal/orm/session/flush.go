package session

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/hooks"
)

// Flush writes pending inserts and changed managed instances in one
// atomic batch. Inserts are ordered so that every instance comes after the
// pending instances its owning relationships point at; creation order
// breaks ties. Parent key components reach children through their join
// columns. On failure nothing is cleared and the flush can be retried.
//
// Before-hooks run first and may change the instances or abort the flush.
// After-hooks run once the batch is written; their failures are logged
// because the data is already committed.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	previous := s.state
	s.state = Flushing
	restore := func() {
		s.state = previous
		if previous == Empty && s.identity.Len() > 0 {
			s.state = Tracking
		}
	}

	if err := s.runBeforeHooks(ctx); err != nil {
		restore()
		return err
	}

	ordered, err := s.insertOrder()
	if err != nil {
		restore()
		return err
	}

	batch := make([]datasource.Mutation, 0, len(ordered))
	for _, inst := range ordered {
		m, err := insertMutation(inst)
		if err != nil {
			restore()
			return err
		}
		batch = append(batch, m)
	}

	updated, updates, err := s.updateMutations()
	if err != nil {
		restore()
		return err
	}
	batch = append(batch, updates...)

	if len(batch) == 0 {
		restore()
		return nil
	}

	if err := s.source.Write(ctx, batch); err != nil {
		restore()
		s.logger.Warn("flush failed", zap.Int("mutations", len(batch)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}

	for _, inst := range ordered {
		inst.MarkPersisted()
	}
	for _, inst := range updated {
		inst.MarkPersisted()
	}
	s.pending = nil
	s.state = Tracking
	s.runAfterHooks(ctx, ordered, updated)

	s.logger.Info("flushed",
		zap.Int("inserts", len(ordered)),
		zap.Int("updates", len(updated)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (s *Session) runBeforeHooks(ctx context.Context) error {
	if s.hooks == nil {
		return nil
	}
	if err := s.hooks.Run(ctx, hooks.BeforeInsert, s.pending); err != nil {
		return err
	}
	updated, _, err := s.updateMutations()
	if err != nil {
		return err
	}
	return s.hooks.Run(ctx, hooks.BeforeUpdate, updated)
}

func (s *Session) runAfterHooks(ctx context.Context, inserted, updated []*entity.Instance) {
	if s.hooks == nil {
		return
	}
	if err := s.hooks.Run(ctx, hooks.AfterInsert, inserted); err != nil {
		s.logger.Error("after-insert hook failed", zap.Error(err))
	}
	if err := s.hooks.Run(ctx, hooks.AfterUpdate, updated); err != nil {
		s.logger.Error("after-update hook failed", zap.Error(err))
	}
}

// insertOrder sorts pending instances so that referenced pending
// instances come first. The result is stable for a given creation order.
func (s *Session) insertOrder() ([]*entity.Instance, error) {
	pending := make(map[*entity.Instance]bool, len(s.pending))
	for _, inst := range s.pending {
		pending[inst] = true
	}

	deps := make(map[*entity.Instance][]*entity.Instance, len(s.pending))
	for _, inst := range s.pending {
		for _, rel := range inst.Entity().Relationships {
			if !rel.IsOwning() {
				continue
			}
			ref, err := inst.Reference(rel.Name)
			if err != nil {
				return nil, err
			}
			target, _ := ref.Get()
			if target == nil {
				k := ref.TargetKey()
				if k.IsZero() {
					continue
				}
				target, _ = s.identity.Get(rel.Target, k)
			}
			if target != nil && target != inst && pending[target] {
				deps[inst] = append(deps[inst], target)
			}
		}
	}

	emitted := make(map[*entity.Instance]bool, len(s.pending))
	out := make([]*entity.Instance, 0, len(s.pending))
	for len(out) < len(s.pending) {
		progressed := false
		for _, inst := range s.pending {
			if emitted[inst] || !ready(deps[inst], emitted) {
				continue
			}
			emitted[inst] = true
			out = append(out, inst)
			progressed = true
			// restart so earlier-created instances unblocked by this one go first
			break
		}
		if !progressed {
			var stuck []string
			for _, inst := range s.pending {
				if !emitted[inst] {
					stuck = append(stuck, inst.String())
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
		}
	}
	return out, nil
}

func ready(deps []*entity.Instance, emitted map[*entity.Instance]bool) bool {
	for _, d := range deps {
		if !emitted[d] {
			return false
		}
	}
	return true
}

// insertMutation splits the instance's columns into key and values. Join
// columns are derived from the referenced instances, which is how a
// child inherits a parent's key component.
func insertMutation(inst *entity.Instance) (datasource.Mutation, error) {
	meta := inst.Entity()
	cols, err := inst.Columns()
	if err != nil {
		return datasource.Mutation{}, err
	}

	key := make(map[string]any, meta.KeyArity())
	for n, c := range meta.KeyColumns() {
		v := cols[c]
		if v == nil {
			return datasource.Mutation{}, fmt.Errorf("insert %s: key column %s is null", inst, c)
		}
		if n < len(inst.Key()) && !entity.Equal(inst.Key()[n], v) {
			return datasource.Mutation{}, fmt.Errorf("%w: %s.%s is %v, key has %v",
				ErrColumnConflict, meta.Name, c, v, inst.Key()[n])
		}
		key[c] = v
		delete(cols, c)
	}

	return datasource.Mutation{
		Kind:   datasource.Insert,
		Entity: meta.Name,
		Table:  meta.Table,
		Key:    key,
		Values: cols,
	}, nil
}

// updateMutations collects the changed columns of managed instances in
// identity map order
func (s *Session) updateMutations() ([]*entity.Instance, []datasource.Mutation, error) {
	var (
		instances []*entity.Instance
		batch     []datasource.Mutation
		failure   error
	)
	s.identity.Each(func(inst *entity.Instance) bool {
		if inst.State() != entity.Managed {
			return true
		}
		changes, err := inst.Changes()
		if err != nil {
			failure = err
			return false
		}
		if len(changes) == 0 {
			return true
		}
		meta := inst.Entity()
		s.logger.Debug("update queued",
			zap.Stringer("instance", inst),
			zap.Strings("columns", slices.Sorted(maps.Keys(changes))),
		)
		instances = append(instances, inst)
		batch = append(batch, datasource.Mutation{
			Kind:   datasource.Update,
			Entity: meta.Name,
			Table:  meta.Table,
			Key:    inst.KeyValues(),
			Values: changes,
		})
		return true
	})
	if failure != nil {
		return nil, nil, failure
	}
	return instances, batch, nil
}
