package directory

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to caller errors).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")
)

// ConflictError reports a uniqueness conflict for a logical field
// ("pair", "client_msg_id", ...).
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing row or referenced resource.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// InputError reports a rejected argument. Msg must not carry secrets.
type InputError struct {
	Op  string
	Msg string
}

func (e InputError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrInvalidInput)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrInvalidInput, e.Msg)
}

func (e InputError) Unwrap() error { return ErrInvalidInput }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
