package entity

import "errors"

var (
	// ErrDetachedEntity is returned when an instance is used after its session was cleared
	ErrDetachedEntity = errors.New("entity is detached from its session")

	// ErrUnknownMember is returned for names that are neither a property nor a relationship
	ErrUnknownMember = errors.New("unknown property or relationship")

	// ErrNotInitialized is returned when reading a collection that has not been loaded
	ErrNotInitialized = errors.New("collection not initialized")

	// ErrImmutableKey is returned when a primary key component is reassigned
	ErrImmutableKey = errors.New("primary key components cannot change")

	// ErrColumnConflict is returned when relationships sharing a column disagree on its value
	ErrColumnConflict = errors.New("conflicting values for shared column")

	// ErrInvalidValue is returned when a value cannot be assigned to a member
	ErrInvalidValue = errors.New("invalid value")

	// ErrNoLoader is returned when a handle is loaded without a session behind it
	ErrNoLoader = errors.New("no loader attached")
)

// IsDetached returns true if the error is ErrDetachedEntity
func IsDetached(err error) bool {
	return errors.Is(err, ErrDetachedEntity)
}
