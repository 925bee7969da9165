package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidTransition  = errors.New("invalid market transition")
	ErrInvalidState       = errors.New("invalid state")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrMarketNotResolved  = errors.New("market not resolved")
	ErrConflict           = errors.New("concurrent update conflict")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransitionError reports a lifecycle move the state machine does not allow.
type TransitionError struct {
	MarketID string
	From     MarketStatus
	To       MarketStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("market %s: cannot transition from %s to %s", e.MarketID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StateError reports an operation attempted on an entity in the wrong state.
type StateError struct {
	Entity    string
	ID        string
	Current   string
	Attempted string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s while %s", e.Entity, e.ID, e.Attempted, e.Current)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}
