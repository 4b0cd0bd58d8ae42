package relationships

import "errors"

var (
	// ErrMaxDepthExceeded is returned when the maximum relationship depth is exceeded
	ErrMaxDepthExceeded = errors.New("maximum relationship depth exceeded")

	// ErrUnknownRelationship is returned when a relationship is not found
	ErrUnknownRelationship = errors.New("unknown relationship")

	// ErrFetchFailure wraps data source errors raised while loading
	ErrFetchFailure = errors.New("fetch failed")

	// ErrMixedEntities is returned when populating instances of different entities at once
	ErrMixedEntities = errors.New("instances of different entities")

	// ErrIncompleteRow is returned when a fetched row lacks a primary key value
	ErrIncompleteRow = errors.New("row has an incomplete primary key")
)

// IsFetchFailure returns true if err came from the data source
func IsFetchFailure(err error) bool {
	return errors.Is(err, ErrFetchFailure)
}
