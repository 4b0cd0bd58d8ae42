package query

import "errors"

var (
	// ErrAmbiguousPartialKey is returned when a bare scalar is given for a composite key
	ErrAmbiguousPartialKey = errors.New("ambiguous partial composite key")

	// ErrIncompletePartialKey is returned when a key tuple does not match the key arity
	ErrIncompletePartialKey = errors.New("incomplete composite key")

	// ErrUnknownField is returned for predicate keys that are not members of the entity
	ErrUnknownField = errors.New("unknown field")

	// ErrUnsupportedOperator is returned for operators not valid in their position
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrInvalidValue is returned when a predicate value has the wrong shape
	ErrInvalidValue = errors.New("invalid predicate value")
)

// IsPartialKeyError returns true for either partial key error
func IsPartialKeyError(err error) bool {
	return errors.Is(err, ErrAmbiguousPartialKey) || errors.Is(err, ErrIncompletePartialKey)
}
