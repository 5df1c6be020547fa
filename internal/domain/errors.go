package domain

import (
	"errors"
	"fmt"
)

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

// PermissionDeniedError is returned when the acting user lacks a permission,
// or when the backend refused the request.
type PermissionDeniedError struct {
	UserID     string
	Permission string
}

func (e PermissionDeniedError) Error() string {
	switch {
	case e.UserID != "" && e.Permission != "":
		return fmt.Sprintf("user %s lacks permission %s", e.UserID, e.Permission)
	case e.Permission != "":
		return fmt.Sprintf("permission %s denied", e.Permission)
	default:
		return "permission denied"
	}
}

func (e PermissionDeniedError) Is(target error) bool {
	_, ok := target.(PermissionDeniedError)
	if ok {
		return true
	}
	_, ok = target.(*PermissionDeniedError)
	return ok
}

var ErrPermissionDenied = PermissionDeniedError{}

// ValidationError is raised before any backend call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool {
	_, ok := target.(ValidationError)
	if ok {
		return true
	}
	_, ok = target.(*ValidationError)
	return ok
}

var ErrValidation = ValidationError{}

// ConnectionError wraps a failure to reach the backend.
type ConnectionError struct {
	Op  string
	Err error
}

func (e ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error during %s", e.Op)
	}
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e ConnectionError) Unwrap() error {
	return e.Err
}

func (e ConnectionError) Is(target error) bool {
	_, ok := target.(ConnectionError)
	if ok {
		return true
	}
	_, ok = target.(*ConnectionError)
	return ok
}

var ErrConnection = ConnectionError{}

// ConflictError reports a write whose precondition no longer holds,
// such as a status transition out of a terminal state.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Reason)
}

func (e ConflictError) Is(target error) bool {
	_, ok := target.(ConflictError)
	if ok {
		return true
	}
	_, ok = target.(*ConflictError)
	return ok
}

var ErrConflict = ConflictError{}

// Kind returns the stable name of the error class used on the wire.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
