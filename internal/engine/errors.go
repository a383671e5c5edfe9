package engine

import (
	"errors"
	"fmt"

	"taskflow/internal/domain"
	"taskflow/internal/guard"
)

var (
	ErrRequirementNotFound = errors.New("requirement not found")
	ErrProjectNotFound     = errors.New("project not found")
	ErrValidation          = errors.New("validation failed")
	// ErrTransientStore marks store failures worth retrying.
	ErrTransientStore    = errors.New("transient store error")
	ErrDependencyBlocked = errors.New("dependencies not done")
)

// TransitionDeniedError is returned when the guard refuses a board move.
// No store write has been attempted when it is returned.
type TransitionDeniedError struct {
	Actor  string
	Reason guard.Reason
	Source domain.Column
	Target domain.Column
}

func (e *TransitionDeniedError) Error() string {
	return fmt.Sprintf("move %s -> %s denied for %s: %s", e.Source, e.Target, e.Actor, e.Reason)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
