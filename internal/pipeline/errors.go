package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a pipeline does not exist or its state
	// file could not be read.
	ErrNotFound = errors.New("pipeline not found")

	// ErrInvalidTransition is returned when an operation is not allowed from
	// the pipeline's current status.
	ErrInvalidTransition = errors.New("invalid transition")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	ID   string
	Op   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pipeline %s: cannot %s from status %q: %s", e.ID, e.Op, e.From, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError wraps ErrNotFound with the pipeline id.
func NotFoundError(id string) error {
	return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
}
