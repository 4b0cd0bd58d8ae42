package relationships

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// Populate loads the relationships named by paths on every instance. Paths
// are dotted ("users.profile"); each segment is loaded with one fetch per
// batch of keys for all instances at that level, so populating n users'
// profiles costs one fetch rather than n.
//
// Handles that are already loaded are left alone unless opts.Refresh is set.
func (r *Resolver) Populate(ctx context.Context, instances []*entity.Instance, paths []string, opts PopulateOptions) error {
	if len(instances) == 0 || len(paths) == 0 {
		return nil
	}
	meta := instances[0].Entity()
	for _, inst := range instances[1:] {
		if inst.Name() != meta.Name {
			return fmt.Errorf("%w: %s and %s", ErrMixedEntities, meta.Name, inst.Name())
		}
	}
	tree, err := parsePaths(paths)
	if err != nil {
		return err
	}

	filterOpts := r.filterOptions()
	if opts.Filters != nil {
		filterOpts = *opts.Filters
	}

	lc := NewLoadContext(r.maxDepth)
	return r.populateLevel(ctx, lc, meta, instances, tree, filterOpts, opts.Refresh)
}

func (r *Resolver) populateLevel(ctx context.Context, lc *LoadContext, meta *schema.Entity, owners []*entity.Instance, nodes []*pathNode, opts query.FilterOptions, refresh bool) error {
	if err := lc.IncrementDepth(); err != nil {
		return err
	}
	defer lc.DecrementDepth()

	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, ok := meta.Relationship(node.name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, meta.Name, node.name)
		}

		pending, err := pendingOwners(rel, owners, refresh)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			if rel.IsOwning() {
				err = r.loadOwning(ctx, rel, pending, opts, refresh)
			} else {
				err = r.loadInverse(ctx, rel, pending, opts, refresh)
			}
			if err != nil {
				return err
			}
		}
		r.logger.Debug("populated",
			zap.Stringer("relationship", rel),
			zap.Int("owners", len(owners)),
			zap.Int("fetched_for", len(pending)),
			zap.Int("depth", lc.Depth()),
		)

		if len(node.children) == 0 {
			continue
		}
		related, err := relatedInstances(rel, owners)
		if err != nil {
			return err
		}
		if len(related) == 0 {
			continue
		}
		if err := r.populateLevel(ctx, lc, rel.TargetEntity(), related, node.children, opts, refresh); err != nil {
			return err
		}
	}
	return nil
}

// pendingOwners returns the owners whose handle for rel still needs a
// fetch. Owners without a bound key have nothing stored to load.
func pendingOwners(rel *schema.Relationship, owners []*entity.Instance, refresh bool) ([]*entity.Instance, error) {
	out := make([]*entity.Instance, 0, len(owners))
	for _, o := range owners {
		var loaded bool
		if rel.Kind == schema.ToMany {
			coll, err := o.Collection(rel.Name)
			if err != nil {
				return nil, err
			}
			loaded = coll.IsInitialized()
		} else {
			ref, err := o.Reference(rel.Name)
			if err != nil {
				return nil, err
			}
			loaded = ref.IsLoaded()
		}
		if loaded && !refresh {
			continue
		}
		if o.Key().IsZero() {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// relatedInstances collects the distinct loaded targets of rel across owners
func relatedInstances(rel *schema.Relationship, owners []*entity.Instance) ([]*entity.Instance, error) {
	seen := make(map[*entity.Instance]bool)
	var out []*entity.Instance
	add := func(inst *entity.Instance) {
		if inst != nil && !seen[inst] {
			seen[inst] = true
			out = append(out, inst)
		}
	}
	for _, o := range owners {
		if rel.Kind == schema.ToMany {
			coll, err := o.Collection(rel.Name)
			if err != nil {
				return nil, err
			}
			if !coll.IsInitialized() {
				continue
			}
			items, err := coll.Items()
			if err != nil {
				return nil, err
			}
			for _, item := range items {
				add(item)
			}
			continue
		}
		ref, err := o.Reference(rel.Name)
		if err != nil {
			return nil, err
		}
		if target, loaded := ref.Get(); loaded {
			add(target)
		}
	}
	return out, nil
}
