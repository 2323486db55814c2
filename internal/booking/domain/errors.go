package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidWindow     = errors.New("invalid booking window")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidStatus     = errors.New("invalid booking status")
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrNotFound          = errors.New("booking not found")
)

// ConflictError is returned when a candidate collides with active bookings.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "trip overlaps with an existing trip"
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		label := c.Number
		if label == "" {
			label = c.BookingID.String()
		}
		parts = append(parts, fmt.Sprintf("Trip #%s (%s) from %s", label, c.Kind, c.Window))
	}
	return "trip overlaps with existing trips: " + strings.Join(parts, ", ")
}

// PersistenceError reports a storage failure. Callers may retry the operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsConflict reports whether err carries a *ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsPersistence reports whether err carries a *PersistenceError.
func IsPersistence(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr)
}
