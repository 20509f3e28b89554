package pickup

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("pickup request not found")
	// ErrConflict is returned when a conditional update lost a race. It is
	// also an ErrInvalidTransition.
	ErrConflict            = fmt.Errorf("%w: concurrent update", ErrInvalidTransition)
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
