package entity

import (
	"context"
	"fmt"

	"github.com/conduit-lang/relkit/internal/orm/schema"
	"github.com/conduit-lang/relkit/internal/orm/tracking"
)

// State describes where an instance is in its session lifecycle
type State int

const (
	// New instances were created in the session and wait for their first flush
	New State = iota
	// Managed instances exist in the data source and are tracked for changes
	Managed
	// Detached instances belonged to a session that was cleared or closed
	Detached
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Managed:
		return "managed"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Loader resolves deferred handles. The session's resolver implements it.
type Loader interface {
	LoadReference(ctx context.Context, ref *Reference) error
	LoadCollection(ctx context.Context, coll *Collection, refresh bool) error
}

// Instance is an in-memory entity: property values plus a handle for
// every relationship. Instances are owned by exactly one session.
type Instance struct {
	meta        *schema.Entity
	props       map[string]any
	refs        map[string]*Reference
	collections map[string]*Collection
	key         Key
	state       State
	loader      Loader
	tracker     *tracking.ChangeTracker
}

// NewInstance creates an empty instance in the New state. Owning references
// and inverse references start Loaded(absent) and collections start Loaded
// and empty, since nothing can point at a row that does not exist yet.
func NewInstance(meta *schema.Entity, loader Loader) *Instance {
	inst := newInstance(meta, loader)
	for _, ref := range inst.refs {
		ref.loaded = true
	}
	for _, coll := range inst.collections {
		coll.items = []*Instance{}
		coll.loaded = true
	}
	return inst
}

// FromRow builds a Managed instance from a fetched row. Owning references
// take their target key from the row's join columns; inverse handles start
// Unloaded.
func FromRow(meta *schema.Entity, row map[string]any, loader Loader) (*Instance, error) {
	inst := newInstance(meta, loader)
	if err := inst.apply(row); err != nil {
		return nil, err
	}
	inst.state = Managed
	inst.tracker = tracking.NewChangeTracker(inst.snapshot(), Equal)
	return inst, nil
}

func newInstance(meta *schema.Entity, loader Loader) *Instance {
	inst := &Instance{
		meta:        meta,
		props:       make(map[string]any, len(meta.Properties)),
		refs:        make(map[string]*Reference),
		collections: make(map[string]*Collection),
		loader:      loader,
	}
	for _, p := range meta.Properties {
		inst.props[p.Name] = nil
	}
	for _, rel := range meta.Relationships {
		if rel.Kind == schema.ToMany {
			inst.collections[rel.Name] = &Collection{owner: inst, rel: rel}
		} else {
			inst.refs[rel.Name] = &Reference{owner: inst, rel: rel}
		}
	}
	return inst
}

// KeyFromRow extracts the primary key of meta from a fetched row
func KeyFromRow(meta *schema.Entity, row map[string]any) Key {
	keyCols := meta.KeyColumns()
	k := make(Key, len(keyCols))
	for n, c := range keyCols {
		k[n] = row[c]
	}
	return k
}

// Entity returns the instance's metadata
func (i *Instance) Entity() *schema.Entity {
	return i.meta
}

// Name returns the entity name
func (i *Instance) Name() string {
	return i.meta.Name
}

// State returns the lifecycle state
func (i *Instance) State() State {
	return i.state
}

// IsNew returns true until the instance has been flushed
func (i *Instance) IsNew() bool {
	return i.state == New
}

// IsDetached returns true once the owning session has been cleared
func (i *Instance) IsDetached() bool {
	return i.state == Detached
}

// Detach invalidates the instance; later access fails with ErrDetachedEntity
func (i *Instance) Detach() {
	i.state = Detached
}

// Loader returns the loader resolving the instance's handles
func (i *Instance) Loader() Loader {
	return i.loader
}

// Key returns the bound identity key, nil until the instance is registered
func (i *Instance) Key() Key {
	return i.key
}

// BindKey fixes the identity key. Key components cannot change afterwards.
func (i *Instance) BindKey(k Key) {
	i.key = k
}

// ComputeKey derives the key from the current column values. Components
// inherited from referenced instances are included, so a child whose org
// is only known through its parent still gets a complete key.
func (i *Instance) ComputeKey() (Key, error) {
	cols, err := i.Columns()
	if err != nil {
		return nil, err
	}
	keyCols := i.meta.KeyColumns()
	k := make(Key, len(keyCols))
	for n, c := range keyCols {
		k[n] = cols[c]
	}
	return k, nil
}

// KeyValues returns the bound key as a column map
func (i *Instance) KeyValues() map[string]any {
	keyCols := i.meta.KeyColumns()
	out := make(map[string]any, len(keyCols))
	for n, c := range keyCols {
		if n < len(i.key) {
			out[c] = i.key[n]
		}
	}
	return out
}

func (i *Instance) checkAttached() error {
	if i.state == Detached {
		return fmt.Errorf("%w: %s %s", ErrDetachedEntity, i.meta.Name, i.key)
	}
	return nil
}

// Get returns a property value, or the *Reference / *Collection handle of a relationship
func (i *Instance) Get(name string) (any, error) {
	if err := i.checkAttached(); err != nil {
		return nil, err
	}
	if v, ok := i.props[name]; ok {
		return v, nil
	}
	if ref, ok := i.refs[name]; ok {
		return ref, nil
	}
	if coll, ok := i.collections[name]; ok {
		return coll, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMember, i.meta.Name, name)
}

// Values returns a copy of the property values
func (i *Instance) Values() (map[string]any, error) {
	if err := i.checkAttached(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(i.props))
	for k, v := range i.props {
		out[k] = v
	}
	return out, nil
}

// Reference returns the handle of a to-one relationship
func (i *Instance) Reference(name string) (*Reference, error) {
	if err := i.checkAttached(); err != nil {
		return nil, err
	}
	ref, ok := i.refs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is not a to-one relationship", ErrUnknownMember, i.meta.Name, name)
	}
	return ref, nil
}

// Collection returns the handle of a to-many relationship
func (i *Instance) Collection(name string) (*Collection, error) {
	if err := i.checkAttached(); err != nil {
		return nil, err
	}
	coll, ok := i.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is not a to-many relationship", ErrUnknownMember, i.meta.Name, name)
	}
	return coll, nil
}

// Set assigns a property or relationship.
//
// Owning to-one relationships accept *Instance, *Reference, Key, a []any
// tuple, a scalar for single-column target keys, or nil. Inverse to-one
// relationships accept *Instance or nil and inverse to-many relationships
// accept []*Instance; both are written through the owning side.
func (i *Instance) Set(name string, value any) error {
	if err := i.checkAttached(); err != nil {
		return err
	}

	if p, ok := i.meta.Property(name); ok {
		if i.key != nil && i.meta.IsKeyColumn(p.Column) && !Equal(i.props[name], value) {
			return fmt.Errorf("%w: %s.%s", ErrImmutableKey, i.meta.Name, name)
		}
		i.props[name] = value
		return nil
	}

	rel, ok := i.meta.Relationship(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownMember, i.meta.Name, name)
	}

	switch {
	case rel.IsOwning():
		return i.setOwning(rel, value)
	case rel.Kind == schema.ToOne:
		return i.setInverseOne(rel, value)
	default:
		return i.setInverseMany(rel, value)
	}
}

func (i *Instance) setOwning(rel *schema.Relationship, value any) error {
	ref := i.refs[rel.Name]
	target := rel.TargetEntity()

	var (
		next    *Instance
		nextKey Key
	)
	switch v := value.(type) {
	case nil:
	case *Instance:
		if v == nil {
			break
		}
		if v.meta.Name != target.Name {
			return fmt.Errorf("%w: %s expects %s, got %s", ErrInvalidValue, rel, target.Name, v.meta.Name)
		}
		next = v
	case *Reference:
		if v == nil {
			break
		}
		if v.rel.Target != target.Name {
			return fmt.Errorf("%w: %s expects a reference to %s", ErrInvalidValue, rel, target.Name)
		}
		if v.target != nil {
			next = v.target
		} else {
			nextKey = v.TargetKey()
		}
	case Key:
		nextKey = v
	case []any:
		nextKey = Key(v)
	default:
		if target.KeyArity() != 1 {
			return fmt.Errorf("%w: %s needs a key of arity %d", ErrInvalidValue, rel, target.KeyArity())
		}
		nextKey = Key{v}
	}
	if nextKey != nil && len(nextKey) != target.KeyArity() {
		return fmt.Errorf("%w: %s needs a key of arity %d, got %d", ErrInvalidValue, rel, target.KeyArity(), len(nextKey))
	}

	if i.key != nil && i.meta.IsKeyComponent(rel.Name) {
		current := ref.TargetKey()
		proposed := nextKey
		if next != nil {
			proposed = next.Key()
		}
		if !current.Equal(proposed) {
			return fmt.Errorf("%w: %s", ErrImmutableKey, rel)
		}
	}

	previous := ref.target
	switch {
	case next != nil:
		ref.assign(next)
	case nextKey != nil && !nextKey.IsZero():
		ref.reset(nextKey)
	default:
		ref.assign(nil)
	}

	if previous != nil && previous != next {
		previous.unlinkInverse(rel, i)
	}
	if next != nil {
		next.linkInverse(rel, i)
	}
	return nil
}

func (i *Instance) setInverseOne(rel *schema.Relationship, value any) error {
	var target *Instance
	switch v := value.(type) {
	case nil:
	case *Instance:
		target = v
	default:
		return fmt.Errorf("%w: %s accepts an instance of %s", ErrInvalidValue, rel, rel.Target)
	}

	ref := i.refs[rel.Name]
	if previous := ref.target; previous != nil && previous != target {
		if err := previous.Set(rel.MappedBy, nil); err != nil {
			return err
		}
	}
	if target == nil {
		ref.assign(nil)
		return nil
	}
	return target.Set(rel.MappedBy, i)
}

func (i *Instance) setInverseMany(rel *schema.Relationship, value any) error {
	items, ok := value.([]*Instance)
	if !ok && value != nil {
		return fmt.Errorf("%w: %s accepts []*Instance of %s", ErrInvalidValue, rel, rel.Target)
	}
	for _, item := range items {
		if item.meta.Name != rel.Target {
			return fmt.Errorf("%w: %s expects %s, got %s", ErrInvalidValue, rel, rel.Target, item.meta.Name)
		}
		if err := item.Set(rel.MappedBy, i); err != nil {
			return err
		}
	}
	return nil
}

// linkInverse mirrors an owning assignment made by child onto the
// inverse side declared on this instance, if any
func (i *Instance) linkInverse(owning *schema.Relationship, child *Instance) {
	inverse := owning.Mirror()
	if inverse == nil {
		return
	}
	if inverse.Kind == schema.ToMany {
		coll := i.collections[inverse.Name]
		if coll.loaded && !coll.Contains(child) {
			coll.items = append(coll.items, child)
		}
		return
	}
	i.refs[inverse.Name].assign(child)
}

func (i *Instance) unlinkInverse(owning *schema.Relationship, child *Instance) {
	inverse := owning.Mirror()
	if inverse == nil {
		return
	}
	if inverse.Kind == schema.ToMany {
		i.collections[inverse.Name].remove(child)
		return
	}
	if ref := i.refs[inverse.Name]; ref.target == child {
		ref.assign(nil)
	}
}

// Columns returns every physical column value. Join columns are derived
// from the referenced instances (or keys), so parent key components such as
// a shared org_id flow into the child. Two relationships that disagree on a
// shared column fail with ErrColumnConflict.
func (i *Instance) Columns() (map[string]any, error) {
	cols := make(map[string]any, len(i.props)+len(i.refs))
	for _, p := range i.meta.Properties {
		cols[p.Column] = i.props[p.Name]
	}

	owners := make(map[string]*schema.Relationship)
	for _, rel := range i.meta.Relationships {
		if !rel.IsOwning() {
			continue
		}
		k := i.refs[rel.Name].TargetKey()
		if k == nil {
			continue
		}
		for n, local := range rel.LocalColumns() {
			v := k[n]
			existing, seen := cols[local]
			if seen && existing != nil && v != nil && !Equal(existing, v) {
				return nil, fmt.Errorf("%w: %s.%s is %v via %s but %v via %s",
					ErrColumnConflict, i.meta.Name, local, existing, owners[local], v, rel)
			}
			if v != nil || !seen {
				cols[local] = v
				owners[local] = rel
			}
		}
	}

	for _, c := range i.meta.Columns() {
		if _, ok := cols[c]; !ok {
			cols[c] = nil
		}
	}

	// References left without a key pick it up from columns shared with
	// other relationships once every local column is known.
	for _, rel := range i.meta.Relationships {
		ref := i.refs[rel.Name]
		if !rel.IsOwning() || ref.target != nil || ref.key != nil || ref.cleared {
			continue
		}
		derived := make(Key, 0, len(rel.JoinColumns))
		for _, local := range rel.LocalColumns() {
			derived = append(derived, cols[local])
		}
		if !derived.IsZero() {
			ref.reset(derived)
		}
	}
	return cols, nil
}

// snapshot returns the columns used as the change-tracking baseline
func (i *Instance) snapshot() map[string]any {
	cols, err := i.Columns()
	if err != nil {
		return map[string]any{}
	}
	return cols
}

// apply copies a row into properties and owning reference keys
func (i *Instance) apply(row map[string]any) error {
	if i.key != nil {
		if rk := KeyFromRow(i.meta, row); !rk.Equal(i.key) {
			return fmt.Errorf("%w: row key %s does not match %s %s", ErrImmutableKey, rk, i.meta.Name, i.key)
		}
	}
	for _, p := range i.meta.Properties {
		if v, ok := row[p.Column]; ok {
			i.props[p.Name] = v
		}
	}
	for _, rel := range i.meta.Relationships {
		ref, ok := i.refs[rel.Name]
		if !ok || !rel.IsOwning() {
			continue
		}
		k := make(Key, 0, len(rel.JoinColumns))
		for _, local := range rel.LocalColumns() {
			k = append(k, row[local])
		}
		if k.IsZero() {
			ref.assign(nil)
			continue
		}
		if ref.loaded && ref.target != nil && ref.target.Key().Equal(k) {
			continue
		}
		ref.reset(k)
	}
	if i.key != nil {
		return nil
	}
	k, err := i.ComputeKey()
	if err != nil {
		return err
	}
	i.key = k
	return nil
}

// Refresh overwrites the instance with a fetched row and makes it the
// new change-tracking baseline
func (i *Instance) Refresh(row map[string]any) error {
	if err := i.checkAttached(); err != nil {
		return err
	}
	if err := i.apply(row); err != nil {
		return err
	}
	i.MarkPersisted()
	return nil
}

// Changes returns the non-key columns modified since the last flush
func (i *Instance) Changes() (map[string]any, error) {
	if i.state != Managed || i.tracker == nil {
		return nil, nil
	}
	cols, err := i.Columns()
	if err != nil {
		return nil, err
	}
	i.tracker.ObserveAll(cols)
	changed := i.tracker.GetChangedData()
	for c := range changed {
		if i.meta.IsKeyColumn(c) {
			delete(changed, c)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return changed, nil
}

// MarkPersisted moves the instance to Managed and resets change tracking
func (i *Instance) MarkPersisted() {
	i.state = Managed
	snap := i.snapshot()
	if i.tracker == nil {
		i.tracker = tracking.NewChangeTracker(snap, Equal)
		return
	}
	i.tracker.Rebase(snap)
}

// String returns "Entity(key)"
func (i *Instance) String() string {
	return fmt.Sprintf("%s(%s)", i.meta.Name, i.key)
}
