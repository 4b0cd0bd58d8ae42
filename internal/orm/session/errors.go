package session

import (
	"errors"

	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/relationships"
)

var (
	// ErrSessionClosed is returned by every operation after Close
	ErrSessionClosed = errors.New("session is closed")

	// ErrNotFound is returned by FindOneOrFail when no row matches
	ErrNotFound = errors.New("entity not found")

	// ErrWriteFailure wraps a rejected flush; nothing was persisted
	ErrWriteFailure = errors.New("flush failed")

	// ErrDependencyCycle is returned when pending inserts reference each other
	ErrDependencyCycle = errors.New("pending inserts form a reference cycle")

	// ErrFetchFailure wraps data source read errors
	ErrFetchFailure = relationships.ErrFetchFailure

	// ErrColumnConflict is returned when two relationships disagree on a shared column
	ErrColumnConflict = entity.ErrColumnConflict
)

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsWriteFailure returns true if a flush was rejected
func IsWriteFailure(err error) bool {
	return errors.Is(err, ErrWriteFailure)
}
