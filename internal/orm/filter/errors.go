package filter

import "errors"

var (
	// ErrMissingParam is returned when an enabled filter needs a parameter that was not supplied
	ErrMissingParam = errors.New("missing filter parameter")

	// ErrUnknownFilter is returned when toggling a filter that was never registered
	ErrUnknownFilter = errors.New("unknown filter")

	// ErrDuplicateFilter is returned when a filter name is registered twice for one entity
	ErrDuplicateFilter = errors.New("filter already registered")
)
