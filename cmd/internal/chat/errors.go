package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation      = errors.New("validation_failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not_found")
	ErrStorage         = errors.New("storage_failure")
)

// OpError carries the failing operation, its kind and a client-safe message.
// Err, when set, is the internal cause; it is logged and never sent.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) *OpError {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

func storageErr(op string, cause error) *OpError {
	return &OpError{Op: op, Kind: ErrStorage, Msg: "storage unavailable", Err: cause}
}

// Code maps err to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "storage_failure"
	}
}

// HTTPStatus maps err to its HTTP status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to show a client.
func PublicMessage(err error) string {
	var oe *OpError
	if errors.As(err, &oe) && oe.Msg != "" && !errors.Is(err, ErrStorage) {
		return oe.Msg
	}
	switch Code(err) {
	case "validation_failed":
		return "invalid request"
	case "unauthenticated":
		return "authentication required"
	case "forbidden":
		return "forbidden"
	case "not_found":
		return "not found"
	default:
		return "internal error"
	}
}
