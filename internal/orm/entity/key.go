// Package entity provides in-memory entity instances and the deferred
// handles (references and collections) that point at related entities.
package entity

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Key is the ordered tuple of primary key column values of an entity
type Key []any

// Equal compares two keys component-wise after normalisation
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !Equal(k[i], other[i]) {
			return false
		}
	}
	return true
}

// IsZero returns true if the key is empty or any component is nil
func (k Key) IsZero() bool {
	if len(k) == 0 {
		return true
	}
	for _, v := range k {
		if v == nil {
			return true
		}
	}
	return false
}

// String returns the canonical representation used for hashing keys.
// Type tags keep the string 1 and the integer 1 apart.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		n := Normalize(v)
		parts[i] = fmt.Sprintf("%T:%v", n, n)
	}
	return strings.Join(parts, "|")
}

// Normalize maps driver and caller value types onto a single comparable form:
// every integer kind becomes int64, byte slices become strings and times
// become UTC instants.
func Normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// normalizeFloat folds integral floats onto int64 so JSON-decoded keys match
func normalizeFloat(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

// Equal reports whether two column values are equal after normalisation
func Equal(a, b any) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nil || nb == nil {
		return na == nil && nb == nil
	}
	if reflect.TypeOf(na).Comparable() && reflect.TypeOf(nb).Comparable() {
		return na == nb
	}
	return reflect.DeepEqual(na, nb)
}
