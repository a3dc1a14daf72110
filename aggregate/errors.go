package aggregate

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation is attempted from a
	// state outside its allow-list. Nothing is mutated.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConcurrentModification is returned by version-checked writes whose
	// expected version no longer matches the persisted one.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrConflict is returned once the bounded retry of a read-version-check-write
	// cycle is exhausted.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when no record exists for the given identity.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when inserting an identity twice.
	ErrAlreadyExists = errors.New("already exists")
)

// InvalidTransitionError reports the state an aggregate was in when the
// operation was rejected.
type InvalidTransitionError struct {
	Aggregate string
	ID        string
	State     string
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s '%s': operation %s not allowed in state %s", e.Aggregate, e.ID, e.Operation, e.State)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
