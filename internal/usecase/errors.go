package usecase

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when an operation exceeds its deadline. Any embedding
// that arrives afterwards is discarded and nothing is written to the repository.
var ErrTimeout = errors.New("operation timed out")

// ValidationError reports bad, missing or oversized input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DependencyError names the collaborator that failed a health check.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
