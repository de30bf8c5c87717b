package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyResolved is returned when a closed conflict is resolved again.
	ErrAlreadyResolved = errors.New("conflict already resolved")
	// ErrUnauthorized is returned when the actor lacks the privilege an
	// operation requires.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrIntegrity reports a content hash or audit chain mismatch.
	ErrIntegrity = errors.New("integrity failure")
	// ErrOpenConflictExists is returned when an entity already has an
	// unresolved conflict.
	ErrOpenConflictExists = errors.New("entity already has an unresolved conflict")
)

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrVersionConflict is returned by the compare-and-swap write path when the
// stored version no longer matches the version the writer read.
type ErrVersionConflict struct {
	Entity   EntityType
	ID       string
	Expected int64
	Actual   int64
}

func (e ErrVersionConflict) Error() string {
	return fmt.Sprintf("%s %s version conflict: expected %d, found %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// TransitionDenial is a machine-readable reason for a rejected status
// transition.
type TransitionDenial string

const (
	DenialNone          TransitionDenial = ""
	DenialTerminalState TransitionDenial = "terminal_state"
	DenialNotPermitted  TransitionDenial = "not_permitted"
	DenialUnknownStatus TransitionDenial = "unknown_status"
)

// ErrInvalidTransition is returned when a status write is rejected by the
// transition validator.
type ErrInvalidTransition struct {
	Category TreatmentCategory
	From     Status
	To       Status
	Code     TransitionDenial
	Reason   string
}

func (e ErrInvalidTransition) Error() string {
	return "invalid status transition: " + e.Reason
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// IsVersionConflict reports whether err wraps an ErrVersionConflict.
func IsVersionConflict(err error) bool {
	var vc ErrVersionConflict
	return errors.As(err, &vc)
}
