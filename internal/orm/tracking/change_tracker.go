// Package tracking provides change tracking for managed entity instances.
// It snapshots the column values an instance was loaded (or last flushed)
// with, so a flush only writes the columns that actually changed.
package tracking

import (
	"reflect"
)

// EqualFunc compares two column values
type EqualFunc func(a, b any) bool

// ChangeTracker tracks column changes on an instance. Like the instance it
// belongs to, it is confined to one session and not safe for concurrent use.
type ChangeTracker struct {
	original map[string]any
	changes  map[string]any
	equal    EqualFunc
}

// NewChangeTracker creates a tracker whose baseline is the given snapshot.
// A nil equal func falls back to reflect.DeepEqual.
func NewChangeTracker(snapshot map[string]any, equal EqualFunc) *ChangeTracker {
	if equal == nil {
		equal = deepEqual
	}
	return &ChangeTracker{
		original: copyMap(snapshot),
		changes:  make(map[string]any),
		equal:    equal,
	}
}

// copyMap creates a shallow copy of a column map; column values are scalars
func copyMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

// deepEqual compares two values for equality, handling nil
func deepEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Observe records the current value of a column and recomputes its change status
func (ct *ChangeTracker) Observe(field string, value any) {
	oldValue, hadOldValue := ct.original[field]
	if !hadOldValue || !ct.equal(oldValue, value) {
		ct.changes[field] = value
		return
	}
	// Value reverted to original
	delete(ct.changes, field)
}

// ObserveAll records every column of the given state
func (ct *ChangeTracker) ObserveAll(state map[string]any) {
	for field, value := range state {
		ct.Observe(field, value)
	}
}

// GetChangedData returns only the changed columns with their new values
func (ct *ChangeTracker) GetChangedData() map[string]any {
	return copyMap(ct.changes)
}

// Rebase replaces the baseline with a fresh snapshot and forgets every change.
// Called after the changes were written successfully.
func (ct *ChangeTracker) Rebase(snapshot map[string]any) {
	ct.original = copyMap(snapshot)
	ct.changes = make(map[string]any)
}
