package schema

import "errors"

var (
	// ErrUnknownEntity is returned when an entity name is not registered
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrDuplicateEntity is returned when an entity is registered twice
	ErrDuplicateEntity = errors.New("entity already registered")

	// ErrInvalidMapping is returned for self-contradictory entity or relationship metadata
	ErrInvalidMapping = errors.New("invalid mapping")

	// ErrNotLinked is returned when the registry is used before Link succeeded
	ErrNotLinked = errors.New("registry not linked")
)

// IsUnknownEntity returns true if the error is ErrUnknownEntity
func IsUnknownEntity(err error) bool {
	return errors.Is(err, ErrUnknownEntity)
}

// IsInvalidMapping returns true if the error is ErrInvalidMapping
func IsInvalidMapping(err error) bool {
	return errors.Is(err, ErrInvalidMapping)
}
