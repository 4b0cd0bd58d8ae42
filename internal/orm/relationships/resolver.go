package relationships

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/identity"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// Config wires a resolver to its session
type Config struct {
	Registry *schema.Registry
	Source   datasource.DataSource
	Identity *identity.Map
	// Filters re-applies row filters on every fetch; may be nil
	Filters query.Filters
	// FilterOptions returns the session's current filter switches
	FilterOptions func() query.FilterOptions
	MaxDepth      int
	BatchSize     int
	Logger        *zap.Logger
}

// Resolver loads references and collections for one session and
// implements entity.Loader. Like the session it is single-owner.
type Resolver struct {
	registry      *schema.Registry
	source        datasource.DataSource
	identity      *identity.Map
	filters       query.Filters
	filterOptions func() query.FilterOptions
	maxDepth      int
	batchSize     int
	logger        *zap.Logger
}

var _ entity.Loader = (*Resolver)(nil)

// NewResolver creates a resolver
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		registry:      cfg.Registry,
		source:        cfg.Source,
		identity:      cfg.Identity,
		filters:       cfg.Filters,
		filterOptions: cfg.FilterOptions,
		maxDepth:      cfg.MaxDepth,
		batchSize:     cfg.BatchSize,
		logger:        cfg.Logger,
	}
	if r.maxDepth <= 0 {
		r.maxDepth = DefaultMaxDepth
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.filterOptions == nil {
		r.filterOptions = func() query.FilterOptions { return query.FilterOptions{} }
	}
	return r
}

// Fetch runs a fetch against meta's table with its filters applied
func (r *Resolver) Fetch(ctx context.Context, meta *schema.Entity, where *query.PredicateGroup, req datasource.FetchRequest, opts query.FilterOptions) ([]datasource.Row, error) {
	if r.filters != nil {
		filtered, err := r.filters.Apply(meta.Name, where, opts)
		if err != nil {
			return nil, err
		}
		where = filtered
	}
	req.Entity = meta.Name
	req.Table = meta.Table
	req.Where = where
	if len(req.Columns) == 0 {
		req.Columns = meta.Columns()
	}

	rows, err := r.source.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailure, meta.Name, err)
	}
	return rows, nil
}

// Hydrate turns rows into instances through the identity map. An instance
// already in the map wins over the fetched row unless refresh is set, in
// which case managed instances are overwritten with the row.
func (r *Resolver) Hydrate(meta *schema.Entity, rows []datasource.Row, refresh bool) ([]*entity.Instance, error) {
	out := make([]*entity.Instance, 0, len(rows))
	seen := make(map[*entity.Instance]bool, len(rows))
	for _, row := range rows {
		k := entity.KeyFromRow(meta, row)
		if k.IsZero() {
			return nil, fmt.Errorf("%w: %s %s", ErrIncompleteRow, meta.Name, k)
		}
		inst, created, err := r.identity.GetOrCreate(meta.Name, k, func() (*entity.Instance, error) {
			return entity.FromRow(meta, row, r)
		})
		if err != nil {
			return nil, err
		}
		if !created && refresh && inst.State() == entity.Managed {
			if err := inst.Refresh(row); err != nil {
				return nil, err
			}
		}
		if seen[inst] {
			continue
		}
		seen[inst] = true
		out = append(out, inst)
	}
	return out, nil
}

// LoadReference resolves a to-one handle. Owning references are served
// from the identity map when the target is already known and unfiltered.
func (r *Resolver) LoadReference(ctx context.Context, ref *entity.Reference) error {
	rel := ref.Relationship()
	target := rel.TargetEntity()
	owner := ref.Owner()
	opts := r.filterOptions()

	var where *query.PredicateGroup
	if rel.IsOwning() {
		k := ref.TargetKey()
		if k.IsZero() {
			ref.Resolve(nil)
			return nil
		}
		if inst, ok := r.cached(target, k, opts); ok {
			ref.Resolve(inst)
			return nil
		}
		where = query.ColumnsEqual(target.KeyColumns(), k)
	} else {
		owning := rel.Mirror()
		if owner.Key().IsZero() {
			ref.Resolve(nil)
			return nil
		}
		where = query.ColumnsEqual(owning.LocalColumns(), owner.Key())
	}

	rows, err := r.Fetch(ctx, target, where, datasource.FetchRequest{Limit: 1}, opts)
	if err != nil {
		return fmt.Errorf("load %s: %w", rel, err)
	}
	instances, err := r.Hydrate(target, rows, false)
	if err != nil {
		return fmt.Errorf("load %s: %w", rel, err)
	}

	if len(instances) == 0 {
		ref.Resolve(nil)
		return nil
	}
	if !rel.IsOwning() {
		linkBack(rel.Mirror(), owner, instances[0])
	}
	ref.Resolve(instances[0])
	r.logger.Debug("reference loaded", zap.Stringer("relationship", rel), zap.Stringer("target", instances[0]))
	return nil
}

// LoadCollection resolves a to-many handle
func (r *Resolver) LoadCollection(ctx context.Context, coll *entity.Collection, refresh bool) error {
	rel := coll.Relationship()
	owner := coll.Owner()
	if owner.Key().IsZero() {
		coll.Resolve(nil)
		return nil
	}
	return r.loadInverse(ctx, rel, []*entity.Instance{owner}, r.filterOptions(), refresh)
}

// loadInverse fetches the children of every owner through the owning side
// of rel in batches and resolves each owner's handle
func (r *Resolver) loadInverse(ctx context.Context, rel *schema.Relationship, owners []*entity.Instance, opts query.FilterOptions, refresh bool) error {
	owning := rel.Mirror()
	target := rel.TargetEntity()

	grouped := make(map[string][]*entity.Instance, len(owners))
	keys := make([]entity.Key, 0, len(owners))
	seen := make(map[string]bool, len(owners))
	for _, o := range owners {
		id := o.Key().String()
		if !seen[id] {
			seen[id] = true
			keys = append(keys, o.Key())
		}
	}

	order := make([]query.OrderBy, 0, len(target.KeyColumns()))
	for _, c := range target.KeyColumns() {
		order = append(order, query.OrderBy{Column: c})
	}

	for _, chunk := range chunkKeys(keys, r.batchSize) {
		where := query.NewPredicateGroup(false)
		where.AddCondition(query.ColumnsIn(owning.LocalColumns(), keyTuples(chunk)))

		rows, err := r.Fetch(ctx, target, where, datasource.FetchRequest{OrderBy: order}, opts)
		if err != nil {
			return fmt.Errorf("load %s: %w", rel, err)
		}
		if _, err := r.Hydrate(target, rows, refresh); err != nil {
			return fmt.Errorf("load %s: %w", rel, err)
		}
		for _, row := range rows {
			child, ok := r.identity.Get(target.Name, entity.KeyFromRow(target, row))
			if !ok {
				continue
			}
			fk := make(entity.Key, 0, len(owning.JoinColumns))
			for _, c := range owning.LocalColumns() {
				fk = append(fk, row[c])
			}
			id := fk.String()
			if !containsInstance(grouped[id], child) {
				grouped[id] = append(grouped[id], child)
			}
		}
	}

	for _, o := range owners {
		items := grouped[o.Key().String()]
		for _, child := range items {
			linkBack(owning, o, child)
		}
		if rel.Kind == schema.ToMany {
			coll, err := o.Collection(rel.Name)
			if err != nil {
				return err
			}
			coll.Resolve(items)
			continue
		}
		ref, err := o.Reference(rel.Name)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			ref.Resolve(nil)
		} else {
			ref.Resolve(items[0])
		}
	}
	r.logger.Debug("inverse loaded", zap.Stringer("relationship", rel), zap.Int("owners", len(owners)))
	return nil
}

// loadOwning resolves the owning references of every owner with one fetch
// per batch of distinct target keys the identity map cannot serve
func (r *Resolver) loadOwning(ctx context.Context, rel *schema.Relationship, owners []*entity.Instance, opts query.FilterOptions, refresh bool) error {
	target := rel.TargetEntity()

	refs := make([]*entity.Reference, 0, len(owners))
	var missing []entity.Key
	queued := make(map[string]bool)
	for _, o := range owners {
		ref, err := o.Reference(rel.Name)
		if err != nil {
			return err
		}
		if target, loaded := ref.Get(); loaded && target != nil && target.IsNew() {
			continue
		}
		refs = append(refs, ref)
		k := ref.TargetKey()
		if k.IsZero() {
			continue
		}
		if _, ok := r.cached(target, k, opts); ok && !refresh {
			continue
		}
		if id := k.String(); !queued[id] {
			queued[id] = true
			missing = append(missing, k)
		}
	}

	fetched := make(map[string]*entity.Instance, len(missing))
	for _, chunk := range chunkKeys(missing, r.batchSize) {
		where := query.NewPredicateGroup(false)
		where.AddCondition(query.ColumnsIn(target.KeyColumns(), keyTuples(chunk)))

		rows, err := r.Fetch(ctx, target, where, datasource.FetchRequest{}, opts)
		if err != nil {
			return fmt.Errorf("load %s: %w", rel, err)
		}
		instances, err := r.Hydrate(target, rows, refresh)
		if err != nil {
			return fmt.Errorf("load %s: %w", rel, err)
		}
		for _, inst := range instances {
			fetched[inst.Key().String()] = inst
		}
	}

	for _, ref := range refs {
		k := ref.TargetKey()
		if k.IsZero() {
			ref.Resolve(nil)
			continue
		}
		if inst, ok := fetched[k.String()]; ok {
			ref.Resolve(inst)
			continue
		}
		if queued[k.String()] {
			// fetched but hidden by a filter or gone
			ref.Resolve(nil)
			continue
		}
		inst, _ := r.identity.Get(target.Name, k)
		ref.Resolve(inst)
	}
	r.logger.Debug("references loaded", zap.Stringer("relationship", rel), zap.Int("fetched", len(fetched)))
	return nil
}

// cached returns the identity-map instance for k when it may stand in for a
// fetch. A filtered target is only served from the map while the instance
// is still pending, since stored rows must pass the filters again.
func (r *Resolver) cached(target *schema.Entity, k entity.Key, opts query.FilterOptions) (*entity.Instance, bool) {
	inst, ok := r.identity.Get(target.Name, k)
	if !ok {
		return nil, false
	}
	if inst.IsNew() || r.filters == nil || !r.filters.Active(target.Name, opts) {
		return inst, true
	}
	return nil, false
}

// linkBack resolves a child's owning reference to its parent when it still
// points at the parent's key and has not been loaded yet
func linkBack(owning *schema.Relationship, parent, child *entity.Instance) {
	ref, err := child.Reference(owning.Name)
	if err != nil || ref.IsLoaded() {
		return
	}
	if ref.TargetKey().Equal(parent.Key()) {
		ref.Resolve(parent)
	}
}

func containsInstance(items []*entity.Instance, inst *entity.Instance) bool {
	for _, item := range items {
		if item == inst {
			return true
		}
	}
	return false
}

func keyTuples(keys []entity.Key) [][]any {
	out := make([][]any, len(keys))
	for i, k := range keys {
		out[i] = []any(k)
	}
	return out
}

func chunkKeys(keys []entity.Key, size int) [][]entity.Key {
	var out [][]entity.Key
	for len(keys) > 0 {
		n := size
		if len(keys) < n {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}
