// Package session implements the unit of work: a single-owner scope holding
// an identity map, the pending inserts and the session's filter switches.
package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/filter"
	"github.com/conduit-lang/relkit/internal/orm/hooks"
	"github.com/conduit-lang/relkit/internal/orm/identity"
	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/relationships"
	"github.com/conduit-lang/relkit/internal/orm/schema"
)

// State is the lifecycle state of a session
type State int

const (
	// Empty sessions track nothing
	Empty State = iota
	// Tracking sessions hold loaded or created instances
	Tracking
	// Flushing is held while a flush is writing
	Flushing
	// Closed sessions reject every operation
	Closed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Tracking:
		return "tracking"
	case Flushing:
		return "flushing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a session
type Options struct {
	Registry *schema.Registry
	Source   datasource.DataSource
	// Filters may be nil when no entity is filtered
	Filters   *filter.Engine
	Logger    *zap.Logger
	MaxDepth  int
	BatchSize int
	// SharedSource leaves the data source open on Close
	SharedSource bool
	// Hooks fire around the writes of Flush; may be nil
	Hooks *hooks.Executor
}

// FindOptions controls a single find
type FindOptions struct {
	// Populate names relationships to load eagerly, dotted for nesting
	Populate []string
	// Filters enables or disables named filters for this query only
	Filters map[string]bool
	// FilterParams supplies filter parameters for this query only
	FilterParams map[string]map[string]any
	// OrderBy terms on property names: "name", "name DESC" or "-name".
	// Results are ordered by primary key when empty.
	OrderBy []string
	Limit   int
	Offset  int
	// Refresh overwrites managed instances with the fetched rows
	Refresh bool
}

// Session is a unit of work. It is not safe for concurrent use; run one
// session per logical operation against a shared data source.
type Session struct {
	id         uuid.UUID
	registry   *schema.Registry
	source     datasource.DataSource
	filters    *filter.Engine
	translator *query.Translator
	identity   *identity.Map
	resolver   *relationships.Resolver
	logger     *zap.Logger
	shared     bool
	hooks      *hooks.Executor

	state         State
	pending       []*entity.Instance
	filterEnabled map[string]bool
	filterParams  map[string]map[string]any
}

// New creates a session. The registry is linked if it is not yet.
func New(opts Options) (*Session, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("session requires a schema registry")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("session requires a data source")
	}
	if !opts.Registry.IsLinked() {
		if err := opts.Registry.Link(); err != nil {
			return nil, err
		}
	}

	s := &Session{
		id:            uuid.New(),
		registry:      opts.Registry,
		source:        opts.Source,
		filters:       opts.Filters,
		identity:      identity.New(),
		shared:        opts.SharedSource,
		hooks:         opts.Hooks,
		filterEnabled: make(map[string]bool),
		filterParams:  make(map[string]map[string]any),
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger.With(zap.String("session_id", s.id.String()))

	var filters query.Filters
	if opts.Filters != nil {
		filters = opts.Filters
	}
	s.translator = query.NewTranslator(opts.Registry, filters)
	s.resolver = relationships.NewResolver(relationships.Config{
		Registry:      opts.Registry,
		Source:        opts.Source,
		Identity:      s.identity,
		Filters:       filters,
		FilterOptions: s.filterOptions,
		MaxDepth:      opts.MaxDepth,
		BatchSize:     opts.BatchSize,
		Logger:        s.logger,
	})
	return s, nil
}

// ID returns the session's unique id
func (s *Session) ID() string {
	return s.id.String()
}

// State returns the lifecycle state
func (s *Session) State() State {
	return s.state
}

// Len returns the number of instances in the identity map
func (s *Session) Len() int {
	return s.identity.Len()
}

// Pending returns the instances waiting for their first flush, in creation order
func (s *Session) Pending() []*entity.Instance {
	out := make([]*entity.Instance, len(s.pending))
	copy(out, s.pending)
	return out
}

// Registry returns the session's schema registry
func (s *Session) Registry() *schema.Registry {
	return s.registry
}

func (s *Session) checkOpen() error {
	if s.state == Closed {
		return ErrSessionClosed
	}
	return nil
}

// track moves an empty session to Tracking
func (s *Session) track() {
	if s.state == Empty {
		s.state = Tracking
	}
}

// SetFilter enables or disables a named filter for every later query of
// the session
func (s *Session) SetFilter(name string, enabled bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.filters == nil || !containsString(s.filters.Names(), name) {
		return fmt.Errorf("%w: %s", filter.ErrUnknownFilter, name)
	}
	s.filterEnabled[name] = enabled
	return nil
}

// SetFilterParams sets the parameters of a named filter for every later
// query of the session
func (s *Session) SetFilterParams(name string, params map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.filters == nil || !containsString(s.filters.Names(), name) {
		return fmt.Errorf("%w: %s", filter.ErrUnknownFilter, name)
	}
	copied := make(map[string]any, len(params))
	for k, v := range params {
		copied[k] = v
	}
	s.filterParams[name] = copied
	return nil
}

// filterOptions returns the session-wide filter switches
func (s *Session) filterOptions() query.FilterOptions {
	return s.mergeFilterOptions(nil)
}

// mergeFilterOptions layers per-query switches over the session's
func (s *Session) mergeFilterOptions(opts *FindOptions) query.FilterOptions {
	fo := query.FilterOptions{
		Enabled: make(map[string]bool, len(s.filterEnabled)),
		Params:  make(map[string]map[string]any, len(s.filterParams)),
	}
	for k, v := range s.filterEnabled {
		fo.Enabled[k] = v
	}
	for k, v := range s.filterParams {
		fo.Params[k] = v
	}
	if opts == nil {
		return fo
	}
	for k, v := range opts.Filters {
		fo.Enabled[k] = v
	}
	for name, params := range opts.FilterParams {
		merged := make(map[string]any, len(params))
		for k, v := range fo.Params[name] {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		fo.Params[name] = merged
	}
	return fo
}

// Create builds a new instance, binds its key and registers it for insertion
// on the next flush. Values may hold properties and relationships; owning
// relationships accept an *entity.Instance, *entity.Reference, entity.Key,
// tuple or scalar key and inverse ones an instance or []*entity.Instance.
func (s *Session) Create(entityName string, values map[string]any) (*entity.Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	meta, err := s.registry.Resolve(entityName)
	if err != nil {
		return nil, err
	}
	for name := range values {
		if _, ok := meta.Property(name); ok {
			continue
		}
		if _, ok := meta.Relationship(name); ok {
			continue
		}
		return nil, fmt.Errorf("%w: %s.%s", entity.ErrUnknownMember, entityName, name)
	}

	inst := entity.NewInstance(meta, s.resolver)
	for _, p := range meta.Properties {
		if v, ok := values[p.Name]; ok {
			if err := inst.Set(p.Name, v); err != nil {
				return nil, err
			}
		}
	}
	for _, rel := range meta.Relationships {
		v, ok := values[rel.Name]
		if !ok || !rel.IsOwning() {
			continue
		}
		if err := inst.Set(rel.Name, v); err != nil {
			unlinkOwning(inst)
			return nil, err
		}
	}

	k, err := inst.ComputeKey()
	if err != nil {
		unlinkOwning(inst)
		return nil, err
	}
	if k.IsZero() {
		unlinkOwning(inst)
		return nil, fmt.Errorf("%w: %s %s", identity.ErrIncompleteKey, entityName, k)
	}
	if existing, ok := s.identity.Get(entityName, k); ok {
		unlinkOwning(inst)
		return nil, fmt.Errorf("%w: %s", identity.ErrDuplicateIdentity, existing)
	}
	inst.BindKey(k)

	for _, rel := range meta.Relationships {
		v, ok := values[rel.Name]
		if !ok || rel.IsOwning() {
			continue
		}
		if err := inst.Set(rel.Name, v); err != nil {
			unlinkOwning(inst)
			return nil, err
		}
	}

	if err := s.identity.Add(inst); err != nil {
		unlinkOwning(inst)
		return nil, err
	}
	s.pending = append(s.pending, inst)
	s.track()
	s.logger.Debug("created", zap.Stringer("instance", inst))
	return inst, nil
}

// unlinkOwning drops the owning references of a rejected instance so
// that targets do not keep it in their inverse collections
func unlinkOwning(inst *entity.Instance) {
	key := inst.Key()
	inst.BindKey(nil)
	for _, rel := range inst.Entity().Relationships {
		if rel.IsOwning() {
			_ = inst.Set(rel.Name, nil)
		}
	}
	inst.BindKey(key)
}

// Find returns the instances matching pred, ordered by primary key unless
// opts says otherwise. Rows already in the identity map resolve to the
// cached instance.
func (s *Session) Find(ctx context.Context, entityName string, pred query.Predicate, opts *FindOptions) ([]*entity.Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &FindOptions{}
	}
	meta, err := s.registry.Resolve(entityName)
	if err != nil {
		return nil, err
	}
	fo := s.mergeFilterOptions(opts)

	where, err := s.translator.Translate(entityName, pred, fo)
	if err != nil {
		return nil, err
	}

	order, err := query.ParseOrderBy(meta, opts.OrderBy...)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		for _, c := range meta.KeyColumns() {
			order = append(order, query.OrderBy{Column: c})
		}
	}

	rows, err := s.resolver.Fetch(ctx, meta, where, datasource.FetchRequest{
		OrderBy:  order,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
		Populate: opts.Populate,
	}, fo)
	if err != nil {
		return nil, err
	}
	instances, err := s.resolver.Hydrate(meta, rows, opts.Refresh)
	if err != nil {
		return nil, err
	}
	if len(instances) > 0 {
		s.track()
	}

	if len(opts.Populate) > 0 && len(instances) > 0 {
		err := s.resolver.Populate(ctx, instances, opts.Populate, relationships.PopulateOptions{
			Filters: &fo,
			Refresh: opts.Refresh,
		})
		if err != nil {
			return nil, err
		}
	}

	s.logger.Debug("found", zap.String("entity", entityName), zap.Int("count", len(instances)))
	return instances, nil
}

// FindOne returns the first match, or nil when there is none
func (s *Session) FindOne(ctx context.Context, entityName string, pred query.Predicate, opts *FindOptions) (*entity.Instance, error) {
	one := FindOptions{}
	if opts != nil {
		one = *opts
	}
	one.Limit = 1
	instances, err := s.Find(ctx, entityName, pred, &one)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return instances[0], nil
}

// FindOneOrFail is FindOne failing with ErrNotFound when nothing matches
func (s *Session) FindOneOrFail(ctx context.Context, entityName string, pred query.Predicate, opts *FindOptions) (*entity.Instance, error) {
	inst, err := s.FindOne(ctx, entityName, pred, opts)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: %s %v", ErrNotFound, entityName, pred)
	}
	return inst, nil
}

// Populate loads the named relationships of inst; names may be dotted
func (s *Session) Populate(ctx context.Context, inst *entity.Instance, names ...string) error {
	return s.PopulateAll(ctx, []*entity.Instance{inst}, names...)
}

// PopulateAll loads the named relationships of instances of one entity
// with one fetch per relationship per level
func (s *Session) PopulateAll(ctx context.Context, instances []*entity.Instance, names ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.IsDetached() {
			return fmt.Errorf("%w: %s", entity.ErrDetachedEntity, inst)
		}
	}
	return s.resolver.Populate(ctx, instances, names, relationships.PopulateOptions{})
}

// Clear detaches every tracked instance, drops pending inserts and
// returns the session to Empty
func (s *Session) Clear() {
	if s.state == Closed {
		return
	}
	s.identity.Clear()
	s.pending = nil
	s.state = Empty
	s.logger.Debug("cleared")
}

// Close clears the session and closes the data source unless it is
// shared. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.state == Closed {
		return nil
	}
	s.Clear()
	s.state = Closed
	if s.shared {
		return nil
	}
	return datasource.Close(s.source)
}

func containsString(items []string, s string) bool {
	i := sort.SearchStrings(items, s)
	return i < len(items) && items[i] == s
}
