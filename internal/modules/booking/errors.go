package booking

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("invalid booking")
	ErrNotFound          = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidCode       = errors.New("invalid start code")
	ErrUnauthorized      = errors.New("actor not permitted")
	ErrSyncFailure       = errors.New("remote sync failed")

	// ErrConflict is returned when the booking changed between read and write.
	ErrConflict = fmt.Errorf("%w: booking changed concurrently", ErrInvalidTransition)
)
